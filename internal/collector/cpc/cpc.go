// Package cpc collects the Climate Prediction Center 6-10 day and 8-14 day
// outlook text products through the api.weather.gov products endpoint.
package cpc

import (
	"context"
	"fmt"
	"time"

	"github.com/pikewx/weather-archive/internal/db"
	"github.com/pikewx/weather-archive/internal/fetch"
	"github.com/pikewx/weather-archive/internal/metrics"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS cpc_outlooks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fetch_time TEXT NOT NULL,
	outlook_type TEXT NOT NULL,
	issued_date TEXT NOT NULL,
	issuance_time TEXT NOT NULL,
	product_code TEXT NOT NULL,
	product_text TEXT NOT NULL,
	UNIQUE(outlook_type, issued_date)
);
CREATE INDEX IF NOT EXISTS idx_cpc_issued ON cpc_outlooks(issued_date);
`

// outlook binds a product code to the label stored in the archive.
type outlook struct {
	code string
	name string
}

// CPC reissues an outlook during the day when conditions shift, so rows are
// keyed by (type, issue date) and replaced: the latest issuance for a given
// day wins.
var outlooks = []outlook{
	{code: "FXUS06", name: "6_10_day"},
	{code: "FXUS07", name: "8_14_day"},
}

// Collector fetches both outlook products each run.
type Collector struct {
	client  *fetch.Client
	baseURL string
	now     func() time.Time
}

// New creates the CPC outlook collector.
func New(client *fetch.Client) *Collector {
	return &Collector{
		client:  client,
		baseURL: "https://api.weather.gov",
		now:     time.Now,
	}
}

func (c *Collector) Name() string { return "cpc" }

func (c *Collector) ExpectedItems() int { return len(outlooks) }

func (c *Collector) InitSchema(ctx context.Context, d *db.DB) error {
	return d.ExecuteWithRetry(ctx, "init cpc schema", func(ctx context.Context) error {
		_, err := d.SQL().ExecContext(ctx, schemaSQL)
		return err
	})
}

type productList struct {
	Graph []struct {
		ID           string `json:"id"`
		IssuanceTime string `json:"issuanceTime"`
	} `json:"@graph"`
}

type product struct {
	ID           string `json:"id"`
	IssuanceTime string `json:"issuanceTime"`
	ProductText  string `json:"productText"`
}

// fetchLatest resolves the newest issuance of one product type and returns
// its full text.
func (c *Collector) fetchLatest(ctx context.Context, code string) (*product, error) {
	var list productList
	listURL := fmt.Sprintf("%s/products/types/%s", c.baseURL, code)
	if err := c.client.GetJSON(ctx, listURL, &list); err != nil {
		return nil, fmt.Errorf("list %s products: %w", code, err)
	}
	if len(list.Graph) == 0 {
		return nil, fmt.Errorf("no %s products available", code)
	}

	var p product
	productURL := fmt.Sprintf("%s/products/%s", c.baseURL, list.Graph[0].ID)
	if err := c.client.GetJSON(ctx, productURL, &p); err != nil {
		return nil, fmt.Errorf("fetch %s product %s: %w", code, list.Graph[0].ID, err)
	}
	if p.ProductText == "" {
		return nil, fmt.Errorf("%s product %s has empty text", code, list.Graph[0].ID)
	}
	return &p, nil
}

func (c *Collector) Collect(ctx context.Context, d *db.DB, run *metrics.Run) error {
	fetched := make(map[string]*product)
	for _, o := range outlooks {
		p, err := c.fetchLatest(ctx, o.code)
		if err != nil {
			run.ItemFailed(o.name, err.Error(), "outlook")
			continue
		}
		fetched[o.name] = p
	}
	if len(fetched) == 0 {
		return nil
	}

	fetchTime := c.now().UTC().Format(time.RFC3339)
	stored := make(map[string]int)

	err := d.Batch(ctx, "store cpc outlooks", func(ctx context.Context, tx *db.Tx) error {
		clear(stored)
		for _, o := range outlooks {
			p, ok := fetched[o.name]
			if !ok {
				continue
			}
			issued, err := time.Parse(time.RFC3339, p.IssuanceTime)
			if err != nil {
				return fmt.Errorf("parse %s issuance time %q: %w", o.name, p.IssuanceTime, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO cpc_outlooks
				(fetch_time, outlook_type, issued_date, issuance_time, product_code, product_text)
				VALUES (?, ?, ?, ?, ?, ?)`,
				fetchTime, o.name, issued.UTC().Format(time.DateOnly),
				p.IssuanceTime, o.code, p.ProductText)
			if err != nil {
				return fmt.Errorf("store %s outlook: %w", o.name, err)
			}
			stored[o.name] = 1
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, o := range outlooks {
		if _, ok := fetched[o.name]; ok {
			run.ItemSucceeded(o.name, stored[o.name], "outlook")
		}
	}
	return nil
}
