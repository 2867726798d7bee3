package ingest

import (
	"errors"
	"log/slog"
	"strings"

	"vmsentry/internal/metrics"
	"vmsentry/internal/model"
	"vmsentry/internal/normalize"
)

// Parser turns raw JSON sample documents into normalized samples, reporting
// dropped fields to the log and metrics.
type Parser struct {
	logger    *slog.Logger
	collector *metrics.Collector
}

func NewParser(logger *slog.Logger, collector *metrics.Collector) *Parser {
	return &Parser{logger: logger, collector: collector}
}

// ParseLine decodes one NDJSON line. Blank lines and lines starting with '#'
// yield ok == false and no error.
func (p *Parser) ParseLine(line, source string) (model.MetricSample, bool, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return model.MetricSample{}, false, nil
	}
	if trim[0] != '{' {
		return model.MetricSample{}, false, errors.New("sample line is not a JSON object")
	}
	res, err := normalize.Decode([]byte(trim), source)
	if err != nil {
		return model.MetricSample{}, false, err
	}
	p.report(res)
	return res.Sample, true, nil
}

func (p *Parser) ParseObject(obj map[string]any, source string) (model.MetricSample, error) {
	res, err := normalize.Sample(obj, source)
	if err != nil {
		return model.MetricSample{}, err
	}
	p.report(res)
	return res.Sample, nil
}

func (p *Parser) report(res normalize.Result) {
	if len(res.Skipped) == 0 {
		return
	}
	p.collector.FieldsSkipped(res.Skipped)
	if p.logger != nil {
		p.logger.Debug("sample fields skipped",
			"entity_id", res.Sample.EntityID,
			"source", res.Sample.Source,
			"fields", res.Skipped,
		)
	}
}
