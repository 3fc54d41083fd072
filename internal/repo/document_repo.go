package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/ragchat/internal/model"
	"github.com/xxxsen/ragchat/internal/pkg/dbutil"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
)

var documentFields = []string{"id", "title", "url", "created_at"}

// DocumentRepo reads the source document (metadata) table of one collection.
type DocumentRepo struct {
	db    *sql.DB
	table string
}

func NewDocumentRepo(db *sql.DB, table string) (*DocumentRepo, error) {
	if _, err := dbutil.QuoteTable(table); err != nil {
		return nil, err
	}
	return &DocumentRepo{db: db, table: table}, nil
}

// List pages through documents newest first. Ties on created_at are broken by
// id so consecutive pages never overlap.
func (r *DocumentRepo) List(ctx context.Context, limit, offset uint) ([]model.SourceDocument, error) {
	where := map[string]interface{}{
		"_orderby": "created_at desc, id asc",
		"_limit":   []uint{offset, limit},
	}
	sqlStr, args, err := builder.BuildSelect(r.table, where, documentFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs := make([]model.SourceDocument, 0, limit)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (r *DocumentRepo) Get(ctx context.Context, id string) (*model.SourceDocument, error) {
	where := map[string]interface{}{"id": id}
	sqlStr, args, err := builder.BuildSelect(r.table, where, documentFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, appErr.ErrNotFound
	}
	return scanDocument(rows)
}

func scanDocument(rows *sql.Rows) (*model.SourceDocument, error) {
	var (
		doc   model.SourceDocument
		title sql.NullString
		url   sql.NullString
	)
	if err := rows.Scan(&doc.ID, &title, &url, &doc.CreatedAt); err != nil {
		return nil, err
	}
	doc.Title = title.String
	if doc.Title == "" {
		doc.Title = model.UntitledDocument
	}
	doc.URL = url.String
	return &doc, nil
}
