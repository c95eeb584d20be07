package models

import (
	"github.com/bookwell/billing-engine/config/database"
)

const ERROR_NOT_FOUND string = "record not found"

type ApiStore struct {
	db *database.DB
}

func NewApiStore(db *database.DB) *ApiStore {
	return &ApiStore{
		db: db,
	}
}
