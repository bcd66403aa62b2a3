package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"supplydesk-backend/internal/apperr"
	"supplydesk-backend/internal/ledger"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// ImportResult summarises a stock count import. Rows that fail are reported
// and skipped; the rest are applied independently.
type ImportResult struct {
	Applied int      `json:"applied"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

// CountRow is one parsed spreadsheet line: branch code, SKU, counted quantity.
type CountRow struct {
	Line       int
	BranchCode string
	SKU        string
	Counted    int
}

// ParseCounts reads the first sheet of an .xlsx workbook. A leading header row
// is detected by a non-numeric third cell and skipped.
func ParseCounts(r io.Reader) ([]CountRow, []string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, apperr.NewValidation("cannot read workbook: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, apperr.NewValidation("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, apperr.NewValidation("cannot read sheet %s: %v", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, nil, apperr.NewValidation("sheet %s is empty", sheets[0])
	}

	var (
		out     []CountRow
		rejects []string
	)
	for i, row := range rows {
		line := i + 1
		if isBlank(row) {
			continue
		}
		if len(row) < 3 {
			rejects = append(rejects, fmt.Sprintf("row %d: expected branch code, sku and quantity", line))
			continue
		}
		qty, err := strconv.Atoi(strings.TrimSpace(row[2]))
		if err != nil {
			if i == 0 {
				continue // header
			}
			rejects = append(rejects, fmt.Sprintf("row %d: quantity %q is not a whole number", line, row[2]))
			continue
		}
		if qty < 0 {
			rejects = append(rejects, fmt.Sprintf("row %d: quantity must not be negative", line))
			continue
		}
		out = append(out, CountRow{
			Line:       line,
			BranchCode: strings.ToUpper(strings.TrimSpace(row[0])),
			SKU:        strings.ToUpper(strings.TrimSpace(row[1])),
			Counted:    qty,
		})
	}
	return out, rejects, nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// ImportCounts applies a physical stock count workbook. Each row sets on-hand
// to the counted value through the ledger; a count below the current
// reservations is rejected unless force is set.
func (s *Service) ImportCounts(ctx context.Context, r io.Reader, force bool, actorID *uint) (*ImportResult, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.ImportCounts")
	defer span.End()

	rows, rejects, err := ParseCounts(r)
	if err != nil {
		return nil, err
	}

	branches, err := s.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.ListItemTypes(ctx)
	if err != nil {
		return nil, err
	}
	branchByCode := make(map[string]uint, len(branches))
	for _, b := range branches {
		branchByCode[b.Code] = b.ID
	}
	itemBySKU := make(map[string]uint, len(items))
	for _, it := range items {
		itemBySKU[it.SKU] = it.ID
	}

	res := &ImportResult{Errors: rejects, Skipped: len(rejects)}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		branchID, ok := branchByCode[row.BranchCode]
		if !ok {
			res.skip("row %d: unknown branch %s", row.Line, row.BranchCode)
			continue
		}
		itemID, ok := itemBySKU[row.SKU]
		if !ok {
			res.skip("row %d: unknown sku %s", row.Line, row.SKU)
			continue
		}

		key := ledger.Key{BranchID: branchID, ItemTypeID: itemID}
		note := fmt.Sprintf("stock count import, row %d", row.Line)
		if _, err := s.stock.CountStock(ctx, key, row.Counted, force, actorID, note); err != nil {
			var appErr *apperr.Error
			if !errors.As(err, &appErr) || appErr.Kind.Retryable() || appErr.Kind == apperr.KindStorageUnavailable {
				return res, err
			}
			res.skip("row %d: %s", row.Line, appErr.Message)
			continue
		}
		res.Applied++
	}

	s.log.Info("stock count import finished",
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (r *ImportResult) skip(format string, args ...any) {
	r.Skipped++
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}
