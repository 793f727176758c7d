package journal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/eddiefleurent/double_calendar/internal/broker"
	"github.com/eddiefleurent/double_calendar/internal/config"
	"github.com/eddiefleurent/double_calendar/internal/logging"
)

const (
	sheetsScope   = "https://www.googleapis.com/auth/spreadsheets"
	recordTimeout = 15 * time.Second
)

// SheetsRecorder appends one row per event to a Google Sheet.
type SheetsRecorder struct {
	srv           *sheets.Service
	spreadsheetID string
	sheetName     string
	logger        logrus.FieldLogger
}

// NewSheetsRecorder authenticates with a service account key taken from
// cfg.CredentialsBase64 or cfg.CredentialsFile.
func NewSheetsRecorder(ctx context.Context, cfg config.JournalConfig, logger logrus.FieldLogger) (*SheetsRecorder, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("journal.spreadsheet_id is required")
	}
	key, err := credentials(cfg)
	if err != nil {
		return nil, err
	}
	jwt, err := google.JWTConfigFromJSON(key, sheetsScope)
	if err != nil {
		return nil, fmt.Errorf("failed to get config from json: %w", err)
	}
	return newSheetsRecorder(ctx, cfg, logger, option.WithHTTPClient(jwt.Client(ctx)))
}

func newSheetsRecorder(ctx context.Context, cfg config.JournalConfig, logger logrus.FieldLogger,
	opts ...option.ClientOption) (*SheetsRecorder, error) {
	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}
	name := cfg.SheetName
	if name == "" {
		name = "Trades"
	}
	return &SheetsRecorder{
		srv:           srv,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     name,
		logger:        logging.OrDiscard(logger),
	}, nil
}

func credentials(cfg config.JournalConfig) ([]byte, error) {
	if cfg.CredentialsBase64 != "" {
		b, err := base64.StdEncoding.DecodeString(cfg.CredentialsBase64)
		if err != nil {
			return nil, fmt.Errorf("failed to base64 decode journal credentials: %w", err)
		}
		return b, nil
	}
	if cfg.CredentialsFile != "" {
		b, err := os.ReadFile(cfg.CredentialsFile) // #nosec G304 -- operator-provided key path
		if err != nil {
			return nil, fmt.Errorf("reading journal credentials: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("journal credentials_file or credentials_base64 is required")
}

// Row renders an event as a sheet row.
func Row(e Event) []interface{} {
	p := e.Position
	return []interface{}{
		e.Time.UTC().Format(time.RFC3339),
		e.Topic,
		p.ID,
		p.Strategy,
		p.Symbol,
		p.Quantity,
		p.ShortExpiry.Format("2006-01-02"),
		p.LongExpiry.Format("2006-01-02"),
		p.Strike(broker.RightPut, broker.ActionSell),
		p.Strike(broker.RightCall, broker.ActionSell),
		e.OrderID,
		e.Price,
		p.RealizedPnL,
		p.ExitReason,
	}
}

// Record appends the event's row.
func (s *SheetsRecorder) Record(ctx context.Context, e Event) error {
	vr := &sheets.ValueRange{Values: [][]interface{}{Row(e)}}
	resp, err := s.srv.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName, vr).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("appending row: %w", err)
	}
	if resp.HTTPStatusCode != http.StatusOK {
		return fmt.Errorf("invalid http status code: %v", resp.HTTPStatusCode)
	}
	return nil
}

// HandleEvent records e, logging failures.
func (s *SheetsRecorder) HandleEvent(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.Record(ctx, e); err != nil {
		s.logger.WithError(err).WithField("topic", e.Topic).Warn("Failed to record trade in sheet")
	}
}
