package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/canary-tuner/canary-tuner/canary"
)

// CSVColumns is the header written by WriteCSV. ReadCSV matches columns by
// name, so their order is free and id, timestamp and rollout_duration may be
// omitted.
var CSVColumns = []string{
	"id", "timestamp", "service_name", "version",
	"traffic_level", "error_rate_prev", "deploy_hour", "deploy_weekday",
	"canary_increment", "success_rate", "rollout_duration",
}

var requiredCSVColumns = []string{
	"service_name", "version",
	"traffic_level", "error_rate_prev", "deploy_hour", "deploy_weekday",
	"canary_increment", "success_rate",
}

// ReadCSVFile reads deployment records from a CSV file.
func ReadCSVFile(path string) ([]canary.DeploymentRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening records file: %w", err)
	}
	defer func() { _ = file.Close() }()
	return ReadCSV(file)
}

// ReadCSV parses deployment records from CSV with a header row.
// Timestamps are RFC 3339 with optional fractional seconds; rollout_duration
// is in seconds. Rows with non-finite numbers are rejected.
func ReadCSV(r io.Reader) ([]canary.DeploymentRecord, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredCSVColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("CSV header is missing column %q", name)
		}
	}

	var records []canary.DeploymentRecord
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row: %w", err)
		}
		rec, err := parseRecord(row, cols)
		if err != nil {
			return nil, fmt.Errorf("CSV line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRecord(row []string, cols map[string]int) (canary.DeploymentRecord, error) {
	field := func(name string) string {
		if i, ok := cols[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	var firstErr error
	float := func(name string) float64 {
		v, err := strconv.ParseFloat(field(name), 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("column %s: %w", name, err)
		}
		return v
	}
	integer := func(name string) int {
		v, err := strconv.Atoi(field(name))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("column %s: %w", name, err)
		}
		return v
	}

	rec := canary.DeploymentRecord{
		ID:          field("id"),
		ServiceName: field("service_name"),
		Version:     field("version"),
		Features: canary.Features{
			TrafficLevel:  float("traffic_level"),
			ErrorRatePrev: float("error_rate_prev"),
			DeployHour:    integer("deploy_hour"),
			DeployWeekday: integer("deploy_weekday"),
		},
		CanaryIncrement: float("canary_increment"),
		SuccessRate:     float("success_rate"),
	}
	if ts := field("timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("column timestamp: %w", err)
		}
		rec.Timestamp = t
	}
	var secs float64
	if d := field("rollout_duration"); d != "" {
		var err error
		secs, err = strconv.ParseFloat(d, 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("column rollout_duration: %w", err)
		}
		rec.RolloutDuration = time.Duration(secs * float64(time.Second))
	}
	if firstErr != nil {
		return rec, firstErr
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return rec, fmt.Errorf("rollout_duration %v must be a finite number of seconds", secs)
	}
	return rec, rec.Validate()
}

// WriteCSV writes records with the CSVColumns header.
func WriteCSV(w io.Writer, records []canary.DeploymentRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(CSVColumns); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.ID,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.ServiceName,
			r.Version,
			strconv.FormatFloat(r.Features.TrafficLevel, 'g', -1, 64),
			strconv.FormatFloat(r.Features.ErrorRatePrev, 'g', -1, 64),
			strconv.Itoa(r.Features.DeployHour),
			strconv.Itoa(r.Features.DeployWeekday),
			strconv.FormatFloat(r.CanaryIncrement, 'g', -1, 64),
			strconv.FormatFloat(r.SuccessRate, 'g', -1, 64),
			strconv.FormatFloat(r.RolloutDuration.Seconds(), 'g', -1, 64),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
