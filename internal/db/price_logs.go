package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonathan/price-tracker/internal/types"
)

const priceLogColumns = `p.id, p.url_id, p.shop_id, p.title, p.price, p.condition, p.on_sale,
	p.salename, p.is_success, p.image_url, p.stock_msg, p.point, p.stock_quantity,
	p.shops_url, p.sub_price, p.created_at, u.url, s.name`

// SavePriceLogs appends rows in one transaction, resolving URL and shop by
// natural key when their ids are unset. Either every row is written or none.
func (db *DB) SavePriceLogs(ctx context.Context, logs []types.PriceLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	urlIDs := map[string]int64{}
	shopIDs := map[string]int64{}
	for _, p := range logs {
		urlID := p.URLID
		if urlID == 0 {
			if p.URL == "" {
				return fmt.Errorf("price log %q has no url", p.Title)
			}
			if urlID = urlIDs[p.URL]; urlID == 0 {
				if urlID, err = upsertURL(ctx, tx, p.URL); err != nil {
					return err
				}
				urlIDs[p.URL] = urlID
			}
		}
		shopID := p.ShopID
		if shopID == 0 {
			if p.ShopName == "" {
				return fmt.Errorf("price log %q has no shop", p.Title)
			}
			if shopID = shopIDs[p.ShopName]; shopID == 0 {
				if shopID, err = upsertShop(ctx, tx, p.ShopName); err != nil {
					return err
				}
				shopIDs[p.ShopName] = shopID
			}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO price_logs (url_id, shop_id, title, price, condition, on_sale, salename,
				is_success, image_url, stock_msg, point, stock_quantity, shops_url, sub_price)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			urlID, shopID, p.Title, p.Price, p.Condition, p.OnSale, p.SaleName,
			p.IsSuccess, p.ImageURL, p.StockMsg, p.Point, p.StockQuantity, p.ShopsURL, p.SubPrice,
		)
		if err != nil {
			return fmt.Errorf("failed to insert price log %q: %w", p.Title, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit price logs: %w", err)
	}
	return nil
}

// ListPriceLogs returns rows matching filter ordered by created_at then id,
// with URL and ShopName filled from the joined rows.
func (db *DB) ListPriceLogs(ctx context.Context, filter types.PriceLogFilter) ([]types.PriceLog, error) {
	var (
		conds []string
		args  []any
	)
	if filter.URL != "" {
		args = append(args, filter.URL)
		conds = append(conds, fmt.Sprintf("u.url = $%d", len(args)))
	}
	if filter.Start != nil {
		args = append(args, *filter.Start)
		conds = append(conds, fmt.Sprintf("p.created_at >= $%d", len(args)))
	}
	if filter.End != nil {
		args = append(args, *filter.End)
		conds = append(conds, fmt.Sprintf("p.created_at <= $%d", len(args)))
	}

	query := `SELECT ` + priceLogColumns + `
		FROM price_logs p
		JOIN urls u ON u.id = p.url_id
		JOIN shops s ON s.id = p.shop_id`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY p.created_at, p.id"

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list price logs: %w", err)
	}
	defer rows.Close()

	var out []types.PriceLog
	for rows.Next() {
		var p types.PriceLog
		if err := rows.Scan(&p.ID, &p.URLID, &p.ShopID, &p.Title, &p.Price, &p.Condition, &p.OnSale,
			&p.SaleName, &p.IsSuccess, &p.ImageURL, &p.StockMsg, &p.Point, &p.StockQuantity,
			&p.ShopsURL, &p.SubPrice, &p.CreatedAt, &p.URL, &p.ShopName); err != nil {
			return nil, fmt.Errorf("failed to scan price log: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
