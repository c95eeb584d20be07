package models

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestFetchBusinessRole(t *testing.T) {
	t.Run("business owner resolves to owner", func(t *testing.T) {
		store, mock, cleanup := setupApiStore(t)
		defer cleanup()

		mock.ExpectQuery(`SELECT count\(\*\) FROM "businesses"`).
			WithArgs("biz123", "user123").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		result := store.FetchBusinessRole("biz123", "user123")

		assert.True(t, result.Success())
		assert.Equal(t, RoleOwner, result.Value())
	})

	t.Run("staff row resolves to its role", func(t *testing.T) {
		store, mock, cleanup := setupApiStore(t)
		defer cleanup()

		mock.ExpectQuery(`SELECT count\(\*\) FROM "businesses"`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery(`SELECT staff_members.role FROM "staff_members"`).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow(RoleManager))

		result := store.FetchBusinessRole("biz123", "user123")

		assert.True(t, result.Success())
		assert.Equal(t, RoleManager, result.Value())
	})

	t.Run("no membership is not found", func(t *testing.T) {
		store, mock, cleanup := setupApiStore(t)
		defer cleanup()

		mock.ExpectQuery(`SELECT count\(\*\) FROM "businesses"`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery(`SELECT staff_members.role FROM "staff_members"`).
			WillReturnRows(sqlmock.NewRows([]string{"role"}))

		result := store.FetchBusinessRole("biz123", "user123")

		assert.False(t, result.Success())
		assert.Equal(t, gorm.ErrRecordNotFound.Error(), result.ErrorMsg())
		assert.False(t, result.IsCapturable())
	})
}
