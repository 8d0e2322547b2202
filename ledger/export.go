package ledger

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

// CSVHeader is the first row written by WriteCSV.
var CSVHeader = []string{"id", "from_account_id", "to_account_id", "amount", "created_at"}

// utf8BOM precedes the header row.
const utf8BOM = "\uFEFF"

// WriteCSV streams every committed transfer to w in ascending id order:
// UTF-8 BOM, ';' delimiter, ISO-8601 timestamps in loc.
func WriteCSV(ctx context.Context, store Store, w io.Writer, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	err := store.EachTransfer(ctx, func(t Transfer) error {
		return cw.Write([]string{
			strconv.FormatInt(int64(t.ID), 10),
			string(t.SenderID),
			string(t.ReceiverID),
			t.Amount.StringFixed(AmountScale),
			t.CreatedAt.In(loc).Format(time.RFC3339),
		})
	})
	if err != nil {
		return Fail("export transfers", err)
	}
	cw.Flush()
	return cw.Error()
}
