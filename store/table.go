package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver

	"github.com/aluiziolira/go-scrape-shop/models"
)

type dialect struct {
	driver      string
	createTable string
	upsert      string
}

var dialects = map[string]dialect{
	"sqlite": {
		driver: "sqlite",
		createTable: `CREATE TABLE IF NOT EXISTS products (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			product_title TEXT NOT NULL,
			product_price REAL NOT NULL,
			path_to_image TEXT
		)`,
		upsert: `INSERT INTO products (product_title, product_price, path_to_image)
			VALUES (?, ?, ?)
			ON CONFLICT (product_title) DO UPDATE SET
				product_price = excluded.product_price,
				path_to_image = excluded.path_to_image
			WHERE products.product_price <> excluded.product_price
				OR products.path_to_image IS DISTINCT FROM excluded.path_to_image`,
	},
	"postgres": {
		driver: "pgx",
		createTable: `CREATE TABLE IF NOT EXISTS products (
			id BIGSERIAL PRIMARY KEY,
			product_title TEXT NOT NULL,
			product_price DOUBLE PRECISION NOT NULL,
			path_to_image TEXT
		)`,
		upsert: `INSERT INTO products (product_title, product_price, path_to_image)
			VALUES ($1, $2, $3)
			ON CONFLICT (product_title) DO UPDATE SET
				product_price = EXCLUDED.product_price,
				path_to_image = EXCLUDED.path_to_image
			WHERE products.product_price <> EXCLUDED.product_price
				OR products.path_to_image IS DISTINCT FROM EXCLUDED.path_to_image`,
	},
}

const createTitleIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_products_title ON products (product_title)`

// TableStore keeps the dataset in a relational products table.
type TableStore struct {
	db          *sql.DB
	dialect     dialect
	destination string
}

// NewTableStore opens the database, creating the products table if needed.
// driverName is "sqlite" or "postgres".
func NewTableStore(ctx context.Context, driverName, dsn string) (*TableStore, error) {
	d, ok := dialects[driverName]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}
	destination := driverName + ":products"

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, StorageError{Op: "open", Destination: destination, Err: err}
	}
	if driverName == "sqlite" {
		// one writer at a time avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, StorageError{Op: "ping", Destination: destination, Err: err}
	}

	for _, stmt := range []string{d.createTable, createTitleIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, StorageError{Op: "migrate", Destination: destination, Err: err}
		}
	}

	return &TableStore{db: db, dialect: d, destination: destination}, nil
}

func (s *TableStore) Destination() string {
	return s.destination
}

// Merge upserts products in one transaction. Rows whose price and image are
// unchanged are not rewritten and are not counted.
func (s *TableStore) Merge(ctx context.Context, products []models.Product) (changed int, err error) {
	if len(products) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, StorageError{Op: "begin", Destination: s.destination, Err: err}
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			changed = 0
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.dialect.upsert)
	if err != nil {
		return 0, StorageError{Op: "prepare", Destination: s.destination, Err: err}
	}
	defer stmt.Close()

	for _, p := range products {
		res, err := stmt.ExecContext(ctx, p.Title, p.Price, p.ImagePath)
		if err != nil {
			return 0, StorageError{Op: "upsert", Destination: s.destination, Err: fmt.Errorf("%q: %w", p.Title, err)}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, StorageError{Op: "upsert", Destination: s.destination, Err: err}
		}
		changed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, StorageError{Op: "commit", Destination: s.destination, Err: err}
	}
	return changed, nil
}

func (s *TableStore) Load(ctx context.Context) ([]models.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_title, product_price, COALESCE(path_to_image, '') FROM products ORDER BY id`)
	if err != nil {
		return nil, StorageError{Op: "query", Destination: s.destination, Err: err}
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.Title, &p.Price, &p.ImagePath); err != nil {
			return nil, StorageError{Op: "scan", Destination: s.destination, Err: err}
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, StorageError{Op: "query", Destination: s.destination, Err: err}
	}
	return products, nil
}

func (s *TableStore) Close() error {
	return s.db.Close()
}
