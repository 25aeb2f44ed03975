package execution

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/seawatch/subscriptions/internal/model"
)

const (
	positionsName  = "positions.csv"
	activityName   = "activity-report.json"
	csvContentType = "text/csv"
)

var positionsHeader = []string{"id", "connect_id", "timestamp", "lat", "lon", "speed", "course", "source"}

func (w *Worker) buildAttachments(ctx context.Context, sub *model.Subscription, t *model.Trigger) ([]model.EmailAttachment, error) {
	switch sub.Output.MessageType {
	case model.MessageTypePosition:
		connectID, err := w.connectID(ctx, t)
		if err != nil {
			return nil, err
		}
		if connectID == "" {
			return nil, nil
		}
		movements, err := w.deps.Movements.MovementsByConnectID(ctx, connectID, t.Window)
		if err != nil {
			return nil, fmt.Errorf("fetch movements: %w", err)
		}
		data, err := PositionsCSV(movements)
		if err != nil {
			return nil, err
		}
		return []model.EmailAttachment{{Name: positionsName, ContentType: csvContentType, Data: data}}, nil

	case model.MessageTypeFAReport:
		if len(t.Payload) == 0 {
			return nil, nil
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, t.Payload, "", "  "); err != nil {
			return nil, fmt.Errorf("format activity report: %w", err)
		}
		return []model.EmailAttachment{{Name: activityName, ContentType: "application/json", Data: buf.Bytes()}}, nil
	}
	return nil, nil
}

func (w *Worker) connectID(ctx context.Context, t *model.Trigger) (string, error) {
	if t.ConnectID != "" {
		return t.ConnectID, nil
	}
	if w.deps.Assets == nil {
		return "", nil
	}
	a, err := w.deps.Assets.Asset(ctx, t.AssetGUID)
	if err != nil {
		return "", fmt.Errorf("resolve asset: %w", err)
	}
	return a.ConnectID, nil
}

// PositionsCSV renders movements as CSV with a header row.
func PositionsCSV(movements []model.Movement) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)

	if err := cw.Write(positionsHeader); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	for _, m := range movements {
		record := []string{
			m.ID,
			m.ConnectID,
			m.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(m.Lat, 'f', 6, 64),
			strconv.FormatFloat(m.Lon, 'f', 6, 64),
			strconv.FormatFloat(m.Speed, 'f', 2, 64),
			strconv.FormatFloat(m.Course, 'f', 1, 64),
			m.Source,
		}
		if err := cw.Write(record); err != nil {
			return nil, fmt.Errorf("write csv: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}
