package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/station-forecast-service/internal/models"
)

type recordingWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

var generatedAt = time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)

func alertingForecast() models.ForecastResult {
	return models.ForecastResult{
		Location:    "NDJAMENA",
		GeneratedAt: generatedAt,
		Days: []models.ForecastDay{
			{Date: "2026-10-20", Alert: "No extreme weather"},
			{Date: "2026-10-21", Alert: "Heat Wave", Alerts: []string{"Heat Wave"}},
		},
		SafetyLinks: map[string]string{"Heat Wave": "https://www.nhs.uk/live-well/seasonal-health/heatwave-how-to-cope-in-hot-weather/"},
	}
}

func TestEventFromForecast_KeepsAlertDaysOnly(t *testing.T) {
	ev := EventFromForecast(alertingForecast())

	assert.Equal(t, "NDJAMENA", ev.Location)
	assert.Equal(t, []AlertDay{{Date: "2026-10-21", Alerts: []string{"Heat Wave"}}}, ev.Days)
	assert.Contains(t, ev.SafetyLinks, "Heat Wave")
}

func TestKafkaPublisher_PublishAlerts(t *testing.T) {
	w := &recordingWriter{}
	p := newKafkaPublisher(w, time.Second, nil)
	ctx := context.WithValue(context.Background(), "correlation_id", "req-42")

	require.NoError(t, p.PublishAlerts(ctx, alertingForecast()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, []byte("NDJAMENA"), msg.Key)
	assert.JSONEq(t, `{
		"location": "NDJAMENA",
		"generated_at": "2026-10-19T06:00:00Z",
		"days": [{"date": "2026-10-21", "alerts": ["Heat Wave"]}],
		"safety_links": {"Heat Wave": "https://www.nhs.uk/live-well/seasonal-health/heatwave-how-to-cope-in-hot-weather/"}
	}`, string(msg.Value))
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, []byte("forecast_alert"), msg.Headers[0].Value)
	assert.Equal(t, []byte(generatedAt.Format(time.RFC3339)), msg.Headers[1].Value)
	assert.Equal(t, "correlation_id", msg.Headers[2].Key)
	assert.Equal(t, []byte("req-42"), msg.Headers[2].Value)
}

func TestKafkaPublisher_SkipsQuietForecast(t *testing.T) {
	w := &recordingWriter{}
	p := newKafkaPublisher(w, time.Second, nil)

	quiet := alertingForecast()
	quiet.Days = quiet.Days[:1]
	require.NoError(t, p.PublishAlerts(context.Background(), quiet))
	assert.Empty(t, w.msgs)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	brokerDown := errors.New("broker down")
	p := newKafkaPublisher(&recordingWriter{err: brokerDown}, time.Second, nil)

	err := p.PublishAlerts(context.Background(), alertingForecast())
	assert.ErrorIs(t, err, brokerDown)
	assert.Contains(t, err.Error(), "NDJAMENA")
}

func TestKafkaPublisher_Close(t *testing.T) {
	w := &recordingWriter{}
	require.NoError(t, newKafkaPublisher(w, time.Second, nil).Close())
	assert.True(t, w.closed)
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.PublishAlerts(context.Background(), alertingForecast()))
	assert.NoError(t, p.Close())
}

func TestNewKafkaPublisher_Defaults(t *testing.T) {
	p := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "forecast-alerts"}, nil)
	assert.Equal(t, 2*time.Second, p.timeout)
	w, ok := p.writer.(*kafkago.Writer)
	require.True(t, ok)
	assert.Equal(t, "forecast-alerts", w.Topic)
	assert.NoError(t, p.Close())
}
