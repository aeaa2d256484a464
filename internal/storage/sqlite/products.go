package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/carepick/carepick/internal/types"
)

const productColumns = `id, category, brand, name, one_sentence, tags_json, image_path, json_path, created_at`

// UpsertProduct inserts or replaces a product index row
func (s *SQLiteStorage) UpsertProduct(ctx context.Context, p *types.ProductRecord) error {
	if p.ID == "" {
		return fmt.Errorf("product id is required")
	}
	if p.JSONPath == "" {
		return fmt.Errorf("product json_path is required")
	}
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			brand = excluded.brand,
			name = excluded.name,
			one_sentence = excluded.one_sentence,
			tags_json = excluded.tags_json,
			image_path = excluded.image_path,
			json_path = excluded.json_path
	`,
		p.ID, p.Category, p.Brand, p.Name, p.OneSentence, string(tagsJSON),
		p.ImagePath, p.JSONPath, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

// GetProduct retrieves a product row by ID. Returns nil, nil when it does not exist.
func (s *SQLiteStorage) GetProduct(ctx context.Context, id string) (*types.ProductRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// ListProducts returns product rows newest first
func (s *SQLiteStorage) ListProducts(ctx context.Context, filter types.ProductFilter) ([]*types.ProductRecord, error) {
	whereClauses := []string{}
	args := []any{}

	if filter.Category != "" {
		whereClauses = append(whereClauses, "category = ?")
		args = append(args, filter.Category)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		whereClauses = append(whereClauses, "(name LIKE ? OR brand LIKE ? OR one_sentence LIKE ?)")
		pattern := "%" + q + "%"
		args = append(args, pattern, pattern, pattern)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	querySQL := fmt.Sprintf(`
		SELECT %s
		FROM products
		%s
		ORDER BY created_at DESC, id DESC
		%s
	`, productColumns, whereSQL, pageSQL(filter.Limit, filter.Offset))

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer func() { _ = rows.Close() }()

	products := []*types.ProductRecord{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating product rows: %w", err)
	}
	return products, nil
}

// DeleteProducts removes the given rows and returns the ids that existed
func (s *SQLiteStorage) DeleteProducts(ctx context.Context, ids []string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleted := []string{}
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
		if err != nil {
			return nil, fmt.Errorf("failed to delete product %s: %w", id, err)
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			deleted = append(deleted, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return deleted, nil
}

func scanProduct(row rowScanner) (*types.ProductRecord, error) {
	p := &types.ProductRecord{}
	var tagsJSON, createdAt string
	err := row.Scan(&p.ID, &p.Category, &p.Brand, &p.Name, &p.OneSentence,
		&tagsJSON, &p.ImagePath, &p.JSONPath, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &p.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return p, nil
}
