// Package export writes the final result set as CSV and JSON, mirrors the
// files to remote storage and announces the finished run.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/storeharvest/internal/harvest"
)

// Columns is the field set shared by both output formats, in CSV order.
// It matches the json tags of harvest.StoreRecord. In CSV the products
// column holds the JSON array.
var Columns = []string{
	"store_id", "name", "province", "address", "postal_code", "phone",
	"latitude", "longitude", "hours", "url", "fetched_at",
	"product_count", "products",
}

// PartialPrefix marks files written after an interrupted run.
const PartialPrefix = "partial_"

// FileNames derives the CSV and JSON names from an output base such as
// "out/walmart_stores" or "walmart_stores.csv".
func FileNames(output string, partial bool) (csvName, jsonName string) {
	base := filepath.Base(output)
	switch ext := strings.ToLower(filepath.Ext(base)); ext {
	case ".csv", ".json":
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if partial {
		base = PartialPrefix + base
	}
	return base + ".csv", base + ".json"
}

// EncodeCSV writes a header row then one row per record.
func EncodeCSV(w io.Writer, records []harvest.StoreRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		fields, err := row(r)
		if err != nil {
			return err
		}
		if err := cw.Write(fields); err != nil {
			return fmt.Errorf("write csv row %s: %w", r.StoreID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// EncodeJSON writes the records as an indented JSON array. An empty set
// is written as [] rather than null.
func EncodeJSON(w io.Writer, records []harvest.StoreRecord) error {
	out := make([]harvest.StoreRecord, len(records))
	for i, r := range records {
		if r.Products == nil {
			r.Products = []harvest.Product{}
		}
		out[i] = r
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func row(r harvest.StoreRecord) ([]string, error) {
	products := r.Products
	if products == nil {
		products = []harvest.Product{}
	}
	encoded, err := json.Marshal(products)
	if err != nil {
		return nil, fmt.Errorf("encode products of %s: %w", r.StoreID, err)
	}
	return []string{
		r.StoreID,
		r.Name,
		r.Province,
		r.Address,
		r.PostalCode,
		r.Phone,
		coord(r.Latitude),
		coord(r.Longitude),
		r.Hours,
		r.URL,
		r.FetchedAt.UTC().Format(time.RFC3339),
		strconv.Itoa(r.ProductCount),
		string(encoded),
	}, nil
}

func coord(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
