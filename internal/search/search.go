// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package search implements the Search Engine component (spec.md C10):
// translating a structured query into FTS5 + SQL and returning ranked
// results, grounded on the teacher's internal/db/sqlite query-building
// style (typed, ordered parameter binding, never string-interpolated).
package search

import (
	"fmt"
	"strings"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// snippetRadius/10 is the token limit passed to FTS5's snippet(): the
// snippet is 10 tokens around the best hit, bounded by token count, not
// by a character count.
const snippetRadius = 100

// Query mirrors spec §4.8's SearchQuery fields.
type Query struct {
	Text           string
	ContentType    *domain.ContentType
	Extension      string
	FolderID       *int64
	ModifiedAfter  *int64
	ModifiedBefore *int64
	MinSize        *int64
	MaxSize        *int64
	IncludeTags    []string
	ExcludeTags    []string
	Visibility     *domain.Visibility
	IncludeRemote  bool
	Limit          int
	Offset         int
	SortBy         domain.SortBy
	SortAsc        bool
}

// Result is one ranked hit.
type Result struct {
	domain.File
	Snippet string `db:"snippet"`
}

type Engine struct {
	db    *storage.DB
	cache *lru.Cache[string, []string]
}

func NewEngine(db *storage.DB) *Engine {
	cache, _ := lru.New[string, []string](256)
	return &Engine{db: db, cache: cache}
}

func validate(q Query) error {
	if q.Limit < 0 || q.Offset < 0 {
		return ferrors.New(ferrors.InvalidArgument, "limit and offset must be non-negative")
	}
	if q.ModifiedAfter != nil && q.ModifiedBefore != nil && *q.ModifiedAfter > *q.ModifiedBefore {
		return ferrors.New(ferrors.InvalidArgument, "date range is inverted")
	}
	return nil
}

// Search returns ranked results for q.
func (e *Engine) Search(q Query) ([]Result, error) {
	if err := validate(q); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	sqlStr, args := buildQuery(q, limit)
	var results []Result
	if err := e.db.Query(&results, sqlStr, args...); err != nil {
		return nil, err
	}
	return results, nil
}

// SearchCompact is Search with a stripped-down projection; here it returns
// the same rows since Result already carries the minimal File fields plus
// snippet — a wrapper exists for API symmetry with spec §4.8.
func (e *Engine) SearchCompact(q Query) ([]Result, error) {
	return e.Search(q)
}

// Count returns the number of rows q would match, ignoring limit/offset.
func (e *Engine) Count(q Query) (int64, error) {
	if err := validate(q); err != nil {
		return 0, err
	}
	sqlStr, args := buildCountQuery(q)
	var n int64
	if err := e.db.QueryOne(&n, sqlStr, args...); err != nil {
		return 0, err
	}
	return n, nil
}

// Suggest returns up to limit file names starting with prefix, cached by
// prefix since interactive typing re-queries the same prefixes rapidly.
func (e *Engine) Suggest(prefix string, limit int) ([]string, error) {
	if cached, ok := e.cache.Get(prefix); ok {
		if len(cached) > limit {
			return cached[:limit], nil
		}
		return cached, nil
	}

	var names []string
	err := e.db.Query(&names,
		`SELECT DISTINCT name FROM files WHERE name LIKE ? ORDER BY name LIMIT ?`,
		prefix+"%", limit)
	if err != nil {
		return nil, err
	}

	e.cache.Add(prefix, names)
	return names, nil
}

func buildQuery(q Query, limit int) (string, []any) {
	var args []any
	selectClause := `f.*, '' AS snippet`
	fromClause := `files f JOIN folders fo ON fo.id = f.folder_id`
	var where []string

	if q.Text != "" {
		selectClause = `f.*, snippet(files_fts, 2, '[', ']', '…', ` + fmt.Sprint(snippetRadius/10) + `) AS snippet`
		fromClause = `files_fts JOIN files f ON f.id = files_fts.rowid JOIN folders fo ON fo.id = f.folder_id`
		where = append(where, `files_fts MATCH ?`)
		args = append(args, escapeFTSQuery(q.Text))
	}

	if q.ContentType != nil {
		where = append(where, `f.content_type = ?`)
		args = append(args, *q.ContentType)
	}
	if q.Extension != "" {
		where = append(where, `f.extension = ?`)
		args = append(args, strings.ToLower(q.Extension))
	}
	if q.FolderID != nil {
		where = append(where, `f.folder_id = ?`)
		args = append(args, *q.FolderID)
	}
	if q.ModifiedAfter != nil {
		where = append(where, `f.modified_at >= ?`)
		args = append(args, *q.ModifiedAfter)
	}
	if q.ModifiedBefore != nil {
		where = append(where, `f.modified_at <= ?`)
		args = append(args, *q.ModifiedBefore)
	}
	if q.MinSize != nil {
		where = append(where, `f.size >= ?`)
		args = append(args, *q.MinSize)
	}
	if q.MaxSize != nil {
		where = append(where, `f.size <= ?`)
		args = append(args, *q.MaxSize)
	}
	if q.Visibility != nil {
		where = append(where, `COALESCE(f.visibility, fo.default_visibility) = ?`)
		args = append(args, *q.Visibility)
	}
	if !q.IncludeRemote {
		where = append(where, `f.is_remote = 0`)
	}
	for _, tag := range q.IncludeTags {
		where = append(where, `EXISTS (SELECT 1 FROM file_tags ft JOIN tags t ON t.id = ft.tag_id WHERE ft.file_id = f.id AND t.name = ?)`)
		args = append(args, strings.ToLower(strings.TrimSpace(tag)))
	}
	for _, tag := range q.ExcludeTags {
		where = append(where, `NOT EXISTS (SELECT 1 FROM file_tags ft JOIN tags t ON t.id = ft.tag_id WHERE ft.file_id = f.id AND t.name = ?)`)
		args = append(args, strings.ToLower(strings.TrimSpace(tag)))
	}

	sqlStr := `SELECT ` + selectClause + ` FROM ` + fromClause
	if len(where) > 0 {
		sqlStr += ` WHERE ` + strings.Join(where, " AND ")
	}
	sqlStr += ` ORDER BY ` + orderClause(q) + ` LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)
	return sqlStr, args
}

func buildCountQuery(q Query) (string, []any) {
	full, args := buildQuery(q, 1<<30)
	args = args[:len(args)-2] // drop the limit/offset we just appended
	idx := strings.Index(full, " ORDER BY ")
	body := full[:idx]
	body = strings.Replace(body, "SELECT "+selectPrefix(body), "SELECT count(*)", 1)
	return body, args
}

func selectPrefix(sqlStr string) string {
	start := len("SELECT ")
	end := strings.Index(sqlStr, " FROM ")
	return sqlStr[start:end]
}

func orderClause(q Query) string {
	dir := "DESC"
	if q.SortAsc {
		dir = "ASC"
	}
	switch q.SortBy {
	case domain.SortName:
		return "f.name " + dir
	case domain.SortSize:
		return "f.size " + dir
	case domain.SortRelevance:
		if q.Text == "" {
			return "f.modified_at DESC" // degrade to Date desc per spec §4.8
		}
		// bm25 rank is more-negative-is-better; best match first is always
		// ascending regardless of SortAsc, which only governs the degraded
		// date ordering above.
		return "rank ASC"
	default:
		return "f.modified_at " + dir
	}
}

// escapeFTSQuery quotes each token so FTS5 operators in user input (AND,
// OR, NOT, *, -, ") are treated as literal text, never as query syntax.
func escapeFTSQuery(text string) string {
	fields := strings.Fields(text)
	for i, field := range fields {
		fields[i] = `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}
