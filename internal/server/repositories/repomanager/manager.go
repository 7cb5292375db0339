// Package repomanager vends registry repositories bound to a dbx.DBTX, so
// services can use the same repositories inside and outside transactions.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/files"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/links"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/sessions"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/shares"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(ctx context.Context, db *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	Files(db dbx.DBTX) files.Repository
	Shares(db dbx.DBTX) shares.Repository
	Links(db dbx.DBTX) links.Repository
	Sessions(db dbx.DBTX) sessions.Repository
}
