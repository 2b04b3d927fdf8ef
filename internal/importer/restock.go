// Package importer reads restock spreadsheets into rows the service applies
// as RESTOCK movements.
package importer

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
)

const maxRestockRows = 5000

var headerAliases = map[string]string{
	"sku":          "sku",
	"variant sku":  "sku",
	"item sku":     "sku",
	"quantity":     "quantity",
	"qty":          "quantity",
	"restock qty":  "quantity",
	"received qty": "quantity",
	"reason":       "reason",
	"note":         "reason",
	"notes":        "reason",
}

// ParseRestockRows reads the first sheet of an xlsx workbook. Rows with an
// empty SKU are skipped; any other malformed row fails the whole file so a
// half-understood sheet never reaches the ledger.
func ParseRestockRows(reader io.Reader) ([]domain.RestockImportRow, error) {
	file, err := excelize.OpenReader(reader)
	if err != nil {
		return nil, fmt.Errorf("open excel file: %w", err)
	}
	defer file.Close()

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("excel file has no sheets")
	}

	rows, err := file.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("excel file is empty")
	}
	if len(rows)-1 > maxRestockRows {
		return nil, fmt.Errorf("excel file has more than %d data rows", maxRestockRows)
	}

	colMap := mapColumns(rows[0])
	if _, ok := colMap["sku"]; !ok {
		return nil, fmt.Errorf("missing required column: sku")
	}
	if _, ok := colMap["quantity"]; !ok {
		return nil, fmt.Errorf("missing required column: quantity")
	}

	result := make([]domain.RestockImportRow, 0, len(rows)-1)
	for index := 1; index < len(rows); index++ {
		cells := rows[index]
		sku := strings.ToUpper(strings.TrimSpace(readCell(cells, colMap["sku"])))
		if sku == "" {
			continue
		}

		qty, err := parseInt(readCell(cells, colMap["quantity"]))
		if err != nil {
			return nil, fmt.Errorf("row %d invalid quantity: %w", index+1, err)
		}
		if qty <= 0 {
			return nil, fmt.Errorf("row %d invalid quantity: must be positive", index+1)
		}

		reason := ""
		if idx, ok := colMap["reason"]; ok {
			reason = strings.Join(strings.Fields(readCell(cells, idx)), " ")
		}

		result = append(result, domain.RestockImportRow{
			Row:      index + 1,
			SKU:      sku,
			Quantity: qty,
			Reason:   reason,
		})
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("excel file has no valid data rows")
	}
	return result, nil
}

func mapColumns(header []string) map[string]int {
	mapped := make(map[string]int)
	for idx, col := range header {
		normalized := normalizeHeader(col)
		if normalized == "" {
			continue
		}
		canonical, ok := headerAliases[normalized]
		if !ok {
			continue
		}
		if _, exists := mapped[canonical]; !exists {
			mapped[canonical] = idx
		}
	}
	return mapped
}

func normalizeHeader(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "\ufeff")
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", " ")
	value = strings.Join(strings.Fields(value), " ")
	return value
}

func readCell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func parseInt(raw string) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, fmt.Errorf("value is empty")
	}

	asFloat, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number")
	}
	if math.Mod(asFloat, 1) != 0 {
		return 0, fmt.Errorf("must be an integer")
	}
	return int(asFloat), nil
}
