// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tags implements the Tag Manager component (spec.md C8):
// many-to-many tag/file association with usage counts, grounded on the
// teacher's internal/db/sqlite statement style and on spec §4.9's
// trim-and-lowercase normalization rule.
package tags

import (
	"strings"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/storage"
)

type Manager struct {
	db *storage.DB
}

func NewManager(db *storage.DB) *Manager {
	return &Manager{db: db}
}

func normalize(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// Add associates tag with fileID, trimming and lowercasing the tag name,
// inserting the tag row if new and the file-tag row if new. Single
// transaction, per spec §4.9.
func (m *Manager) Add(fileID int64, tag string) error {
	name := normalize(tag)
	if name == "" {
		return nil
	}

	scope, err := m.db.Transaction()
	if err != nil {
		return err
	}
	defer scope.Finish()

	if _, err := scope.Execute(
		`INSERT INTO tags (name, source, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		name, domain.TagUser, domain.Now(),
	); err != nil {
		return err
	}

	var tagID int64
	if err := scope.QueryOne(&tagID, `SELECT id FROM tags WHERE name = ?`, name); err != nil {
		return err
	}

	if _, err := scope.Execute(
		`INSERT INTO file_tags (file_id, tag_id) VALUES (?, ?) ON CONFLICT(file_id, tag_id) DO NOTHING`,
		fileID, tagID,
	); err != nil {
		return err
	}

	return scope.Commit()
}

// Remove deletes the (fileID, tag) association if present.
func (m *Manager) Remove(fileID int64, tag string) error {
	name := normalize(tag)
	_, err := m.db.Execute(`
		DELETE FROM file_tags WHERE file_id = ? AND tag_id = (SELECT id FROM tags WHERE name = ?)`,
		fileID, name)
	return err
}

// GetForFile returns every tag attached to fileID.
func (m *Manager) GetForFile(fileID int64) ([]domain.Tag, error) {
	var out []domain.Tag
	err := m.db.Query(&out, `
		SELECT t.* FROM tags t
		JOIN file_tags ft ON ft.tag_id = t.id
		WHERE ft.file_id = ?
		ORDER BY t.name`, fileID)
	return out, err
}

// GetAll returns every tag in the system.
func (m *Manager) GetAll() ([]domain.Tag, error) {
	var out []domain.Tag
	err := m.db.Query(&out, `SELECT * FROM tags ORDER BY name`)
	return out, err
}

// PopularTag pairs a tag with its usage count, for GetPopular.
type PopularTag struct {
	domain.Tag
	UsageCount int64 `db:"usage_count"`
}

// GetPopular returns the most-used tags, ordered by usage count desc.
func (m *Manager) GetPopular(limit int) ([]PopularTag, error) {
	var out []PopularTag
	err := m.db.Query(&out, `
		SELECT t.*, count(ft.file_id) AS usage_count FROM tags t
		JOIN file_tags ft ON ft.tag_id = t.id
		GROUP BY t.id
		ORDER BY usage_count DESC
		LIMIT ?`, limit)
	return out, err
}
