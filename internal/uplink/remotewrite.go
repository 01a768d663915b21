package uplink

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/klauspost/compress/snappy"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rallykit/dashd/internal/storage"
)

// Prometheus remote-write protobuf field numbers. The payload is small
// and fixed-shape, so it is encoded directly with protowire instead of
// carrying generated prompb stubs.
const (
	fieldWriteRequestTimeseries = 1
	fieldTimeSeriesLabels       = 1
	fieldTimeSeriesSamples      = 2
	fieldLabelName              = 1
	fieldLabelValue             = 2
	fieldSampleValue            = 1
	fieldSampleTimestamp        = 2
)

// RemoteWriter pushes batches of readings to a Prometheus remote-write
// endpoint.
type RemoteWriter struct {
	url      string
	client   *http.Client
	instance string
}

// NewRemoteWriter builds a writer for the given endpoint. The instance
// label distinguishes vehicles sharing one endpoint.
func NewRemoteWriter(url, instance string) *RemoteWriter {
	return &RemoteWriter{
		url:      url,
		client:   &http.Client{Timeout: 30 * time.Second},
		instance: instance,
	}
}

// Push encodes the readings as a snappy-compressed WriteRequest and
// POSTs it. The returned status code is valid whenever err is nil.
func (w *RemoteWriter) Push(readings []storage.Reading) (int, error) {
	body := snappy.Encode(nil, encodeWriteRequest(readings, w.instance))

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build remote-write request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("remote write: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("remote write: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return resp.StatusCode, nil
}

// encodeWriteRequest groups readings by metric name into one time
// series each, samples ordered by timestamp as the protocol requires.
func encodeWriteRequest(readings []storage.Reading, instance string) []byte {
	byName := make(map[string][]storage.Reading)
	for _, r := range readings {
		byName[r.Name] = append(byName[r.Name], r)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []byte
	for _, name := range names {
		series := byName[name]
		sort.Slice(series, func(i, j int) bool { return series[i].Timestamp < series[j].Timestamp })
		ts := encodeTimeSeries(name, instance, series)
		out = protowire.AppendTag(out, fieldWriteRequestTimeseries, protowire.BytesType)
		out = protowire.AppendBytes(out, ts)
	}
	return out
}

func encodeTimeSeries(name, instance string, readings []storage.Reading) []byte {
	var out []byte

	out = protowire.AppendTag(out, fieldTimeSeriesLabels, protowire.BytesType)
	out = protowire.AppendBytes(out, encodeLabel("__name__", name))
	if instance != "" {
		out = protowire.AppendTag(out, fieldTimeSeriesLabels, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeLabel("instance", instance))
	}

	for _, r := range readings {
		out = protowire.AppendTag(out, fieldTimeSeriesSamples, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeSample(r.Value, int64(r.Timestamp*1000)))
	}
	return out
}

func encodeLabel(name, value string) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldLabelName, protowire.BytesType)
	out = protowire.AppendString(out, name)
	out = protowire.AppendTag(out, fieldLabelValue, protowire.BytesType)
	out = protowire.AppendString(out, value)
	return out
}

func encodeSample(value float64, timestampMillis int64) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldSampleValue, protowire.Fixed64Type)
	out = protowire.AppendFixed64(out, math.Float64bits(value))
	out = protowire.AppendTag(out, fieldSampleTimestamp, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(timestampMillis))
	return out
}
