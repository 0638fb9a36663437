// Package sheets exports product rows to a Google spreadsheet.
package sheets

import (
	"context"
	"fmt"
	"net/http"

	"github.com/juju/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// ClearRange is the block wiped before a full product sync.
const ClearRange = "A1:Z1000"

// SheetInfo names one sheet (tab) of the spreadsheet.
type SheetInfo struct {
	Name string `json:"name"`
	GID  int64  `json:"gid"`
}

// Exporter writes rows into named sheets of one spreadsheet.
type Exporter interface {
	// Append adds rows after the last non-empty row of sheet.
	Append(ctx context.Context, sheet string, rows [][]string) error
	// Clear wipes ClearRange of sheet.
	Clear(ctx context.Context, sheet string) error
	// Sheets lists the sheets of the spreadsheet.
	Sheets(ctx context.Context) ([]SheetInfo, error)
	// SyncProducts replaces the content of sheet with one row per product.
	SyncProducts(ctx context.Context, sheet string, products []models.Product) error
}

// Client is an Exporter backed by the Sheets v4 API.
type Client struct {
	svc           *sheets.Service
	spreadsheetID string
	log           *logging.Logger
}

// Connect opens a Sheets API client for spreadsheetID. credentialsJSON is a
// service account key; extra options are appended after the credentials so
// tests can point the client at a fake endpoint.
func Connect(ctx context.Context, spreadsheetID string, credentialsJSON []byte, opts ...option.ClientOption) (*Client, error) {
	if spreadsheetID == "" {
		return nil, errors.NotValidf("empty spreadsheet id")
	}
	var all []option.ClientOption
	if len(credentialsJSON) > 0 {
		all = append(all,
			option.WithCredentialsJSON(credentialsJSON),
			option.WithScopes(sheets.SpreadsheetsScope),
		)
	}
	all = append(all, opts...)
	svc, err := sheets.NewService(ctx, all...)
	if err != nil {
		return nil, errors.Annotate(err, "opening sheets service")
	}
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		log:           logging.With(map[string]interface{}{"component": "sheets"}),
	}, nil
}

// Append implements Exporter.
func (c *Client) Append(ctx context.Context, sheet string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		values[i] = make([]interface{}, len(row))
		for j, cell := range row {
			values[i][j] = cell
		}
	}
	_, err := c.svc.Spreadsheets.Values.
		Append(c.spreadsheetID, sheetRange(sheet, "A1"), &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return annotate(err, "appending %d rows to sheet %q", len(rows), sheet)
	}
	c.log.Debug("rows appended", map[string]interface{}{"sheet": sheet, "rows": len(rows)})
	return nil
}

// Clear implements Exporter.
func (c *Client) Clear(ctx context.Context, sheet string) error {
	_, err := c.svc.Spreadsheets.Values.
		Clear(c.spreadsheetID, sheetRange(sheet, ClearRange), &sheets.ClearValuesRequest{}).
		Context(ctx).
		Do()
	return annotate(err, "clearing sheet %q", sheet)
}

// Sheets implements Exporter.
func (c *Client) Sheets(ctx context.Context) ([]SheetInfo, error) {
	resp, err := c.svc.Spreadsheets.Get(c.spreadsheetID).
		Fields("sheets.properties").
		Context(ctx).
		Do()
	if err != nil {
		return nil, annotate(err, "reading spreadsheet %q", c.spreadsheetID)
	}
	out := make([]SheetInfo, 0, len(resp.Sheets))
	for _, s := range resp.Sheets {
		if s.Properties == nil {
			continue
		}
		out = append(out, SheetInfo{Name: s.Properties.Title, GID: s.Properties.SheetId})
	}
	return out, nil
}

// SyncProducts implements Exporter.
func (c *Client) SyncProducts(ctx context.Context, sheet string, products []models.Product) error {
	return syncProducts(ctx, c, sheet, products)
}

func syncProducts(ctx context.Context, e Exporter, sheet string, products []models.Product) error {
	if err := e.Clear(ctx, sheet); err != nil {
		return errors.Trace(err)
	}
	rows := make([][]string, len(products))
	for i, p := range products {
		rows[i] = p.SheetRow()
	}
	return errors.Trace(e.Append(ctx, sheet, rows))
}

func sheetRange(sheet, cells string) string {
	return fmt.Sprintf("%s!%s", sheet, cells)
}

// annotate classifies API errors: 404 becomes NotFound and 401/403 become
// Unauthorized, so callers can tell configuration problems from outages.
func annotate(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return errors.NewNotFound(err, msg)
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.NewUnauthorized(err, msg)
		}
	}
	return errors.Annotate(err, msg)
}

// Noop is the Exporter used when no spreadsheet is configured. Every
// operation succeeds without doing anything.
type Noop struct{}

// Append implements Exporter.
func (Noop) Append(context.Context, string, [][]string) error { return nil }

// Clear implements Exporter.
func (Noop) Clear(context.Context, string) error { return nil }

// Sheets implements Exporter.
func (Noop) Sheets(context.Context) ([]SheetInfo, error) { return nil, nil }

// SyncProducts implements Exporter.
func (n Noop) SyncProducts(ctx context.Context, sheet string, products []models.Product) error {
	return syncProducts(ctx, n, sheet, products)
}

var (
	_ Exporter = (*Client)(nil)
	_ Exporter = Noop{}
)
