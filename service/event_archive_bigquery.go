package service

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

// archiveRow maps an EventRecord to a BigQuery row. The event id doubles as
// insertId so BigQuery drops retried rows on a best-effort basis.
type archiveRow model.EventRecord

// Save implements bigquery.ValueSaver
func (r archiveRow) Save() (map[string]bigquery.Value, string, error) {
	payload := string(r.Payload)
	if payload == "" {
		payload = "null"
	}
	return map[string]bigquery.Value{
		"event_id":           r.EventID,
		"type":               r.Type,
		"timestamp":          r.Timestamp,
		"payload":            payload,
		"sequence_number":    r.SequenceNumber,
		"processed_by":       r.ProcessedBy,
		"processed_at":       r.ProcessedAt,
		"processing_time_ms": r.ProcessingTimeMs,
	}, r.EventID, nil
}

// EventArchiveBigQuery implements model.EventArchive with BigQuery streaming inserts
type EventArchiveBigQuery struct {
	client   *bigquery.Client
	inserter *bigquery.Inserter
}

func NewEventArchiveBigQuery(ctx context.Context, project, dataset, table string) (*EventArchiveBigQuery, error) {

	bqclient, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bigquery client")
	}

	perms, err := bqclient.Dataset(dataset).Table(table).IAM().TestPermissions(ctx, []string{
		"bigquery.tables.updateData",
	})

	if err != nil {
		bqclient.Close()
		return nil, errors.Wrapf(err,
			"failed to get bigquery table permission permissions, project: %s, dataset: %s, table: %s",
			project,
			dataset,
			table)
	}

	if len(perms) == 0 {
		bqclient.Close()
		return nil, fmt.Errorf(
			"required permissions (bigquery.tables.updateData) not found for project: %s, dataset: %s, table: %s",
			project,
			dataset,
			table)
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("EventArchiveBigQuery: context done, closing client")
		bqclient.Close()
	}()

	return &EventArchiveBigQuery{
		client:   bqclient,
		inserter: bqclient.Dataset(dataset).Table(table).Inserter(),
	}, nil
}

// Save implements model.EventArchive
func (s *EventArchiveBigQuery) Save(ctx context.Context, records []model.EventRecord) error {
	logger := zap.L().With(zap.Any("request_id", ctx.Value(model.ContextKey("request_id"))))
	logger.Debug("EventArchiveBigQuery.save: begin request")

	ctx, span := tracer.Start(ctx, "bigquery/save")
	defer span.End()

	rows := make([]archiveRow, len(records))
	for k, v := range records {
		rows[k] = archiveRow(v)
	}
	if err := s.inserter.Put(ctx, rows); err != nil {
		return errors.Wrap(err, "failed to insert rows")
	}

	logger.Debug("EventArchiveBigQuery.save: rows saved")
	return nil
}
