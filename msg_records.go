package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RouteRecord is the audit row of one routing decision.
type RouteRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	LogID       string    `gorm:"index;not null" json:"log_id"`
	ServerID    string    `json:"server_id"`
	Direction   string    `gorm:"index" json:"direction"`
	Username    string    `gorm:"index" json:"username,omitempty"`
	Source      string    `json:"source_addr"`
	Destination string    `json:"destination_addr"`
	RouteOrder  int       `json:"order"`
	Route       string    `json:"route"`
	Connector   string    `json:"connector,omitempty"`
	Attempts    int       `json:"attempts"`
	Outcome     string    `gorm:"index" json:"outcome"`
	Error       string    `json:"error,omitempty"`
	BillID      string    `json:"bill_id,omitempty"`
	Billed      float64   `json:"billed"`
	Encoding    string    `json:"encoding,omitempty"`
	Parts       int       `json:"parts"`
	RoutedAt    time.Time `gorm:"index" json:"routed_at"`
}

// RecordWriter stores route records.
type RecordWriter interface {
	InsertRouteRecord(ctx context.Context, rec *RouteRecord) error
}

func (s *UserStore) InsertRouteRecord(ctx context.Context, rec *RouteRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// queueRecord hands rec to the record writer without blocking routing. Records
// are dropped when no writer is configured or the buffer is full.
func (gateway *Gateway) queueRecord(rec RouteRecord) {
	if gateway.RecordChan == nil {
		return
	}
	rec.ServerID = gateway.ServerID
	select {
	case gateway.RecordChan <- rec:
	default:
		logf := LoggingFormat{Type: LogType.Database, Function: "queueRecord", Level: logrus.WarnLevel, Message: "route record buffer full, dropping record"}
		logf.TransactionID = rec.LogID
		logf.Print()
	}
}

func (gateway *Gateway) processRouteRecords(ctx context.Context, w RecordWriter) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-gateway.RecordChan:
			logf := LoggingFormat{Type: LogType.Database, Function: "processRouteRecords", TransactionID: rec.LogID}
			if err := w.InsertRouteRecord(ctx, &rec); err != nil {
				logf.Level = logrus.ErrorLevel
				logf.Error = err
				logf.Message = "failed to insert route record"
				logf.Print()
				continue
			}
			logf.Level = logrus.DebugLevel
			logf.Message = "route record inserted"
			logf.Print()
		}
	}
}
