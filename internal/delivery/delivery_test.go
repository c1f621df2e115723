package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinwatch/internal/alerting"
	"coinwatch/internal/market"
)

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func sampleEvent() Event {
	a := alerting.Alert{
		ID:             7,
		UserID:         42,
		AssetID:        "bitcoin",
		Symbol:         "BTC",
		Name:           "Bitcoin",
		Direction:      alerting.DirectionRise,
		Trigger:        alerting.TriggerTakeProfit,
		ValueType:      alerting.ValuePercent,
		Value:          decimal.NewFromInt(10),
		ReferencePrice: decimal.NewFromInt(100),
		State:          alerting.StateActive,
		CreatedAt:      t0,
	}
	d := alerting.Decision{
		Outcome: alerting.OutcomeTrigger,
		Target:  decimal.NewFromInt(110),
		Side:    alerting.DirectionRise,
		Price: market.ResolvedPrice{
			AssetID:    "bitcoin",
			Price:      decimal.NewFromInt(111),
			Source:     market.SourceBinance,
			ObservedAt: t0,
			Available:  true,
		},
	}
	return NewEvent(a, d, t0.Add(time.Second), nil)
}

func TestNewEvent(t *testing.T) {
	ev := sampleEvent()
	if ev.ID == "" {
		t.Fatal("event id should be generated")
	}
	if ev.UserID != 42 || ev.AlertID != 7 || ev.AssetID != "bitcoin" {
		t.Fatalf("identity fields not copied: %+v", ev)
	}
	if !ev.Price.Equal(decimal.NewFromInt(111)) || !ev.Target.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("price/target mismatch: %s %s", ev.Price, ev.Target)
	}
	if ev.Location() != time.UTC {
		t.Fatalf("missing timezone should fall back to UTC")
	}

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	a := alerting.Alert{ID: 1, UserID: 1, AssetID: "eth"}
	ev = NewEvent(a, alerting.Decision{}, t0, tokyo)
	if ev.Timezone != "Asia/Tokyo" || ev.Location().String() != "Asia/Tokyo" {
		t.Fatalf("timezone not preserved: %q", ev.Timezone)
	}
}

func TestRenderMessage(t *testing.T) {
	text := RenderMessage(sampleEvent())
	for _, want := range []string{"🟢", "Take-profit", "Bitcoin (BTC)", "$111.00", "$110.00", "rise 10%", "$100.00", "binance", "2024-03-10 12:00 UTC"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message missing %q:\n%s", want, text)
		}
	}

	ev := sampleEvent()
	ev.Name = "<script>"
	ev.Trigger = alerting.TriggerStopLoss
	text = RenderMessage(ev)
	if strings.Contains(text, "<script>") {
		t.Fatalf("name should be escaped: %s", text)
	}
	if !strings.Contains(text, "🔴") {
		t.Fatalf("stop-loss icon missing: %s", text)
	}
}

func TestFormatPrice(t *testing.T) {
	cases := map[string]string{
		"65000.5":    "$65,000.50",
		"1":          "$1.00",
		"0.5":        "$0.5000",
		"0.00123":    "$0.001230",
		"0.00000123": "$0.00000123",
	}
	for in, want := range cases {
		if got := FormatPrice(decimal.RequireFromString(in)); got != want {
			t.Fatalf("FormatPrice(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	errA := errors.New("a down")
	var delivered int
	sink := MultiSink{
		SinkFunc(func(context.Context, Event) error { return errA }),
		SinkFunc(func(context.Context, Event) error { delivered++; return nil }),
	}
	err := sink.Deliver(context.Background(), sampleEvent())
	if !errors.Is(err, errA) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if delivered != 1 {
		t.Fatal("a failing sink must not block the others")
	}
}

func TestQueueRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	sink := SinkFunc(func(context.Context, Event) error {
		if calls.Add(1) < 3 {
			return errors.New("temporary")
		}
		close(done)
		return nil
	})

	q := NewQueue(sink, QueueOptions{Buffer: 4, Workers: 1, MaxAttempts: 3, RetryDelay: time.Millisecond}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(finished)
	}()

	if err := q.Enqueue(ctx, sampleEvent()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery did not succeed")
	}
	cancel()
	<-finished

	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if err := q.Enqueue(context.Background(), sampleEvent()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("enqueue after shutdown should fail with ErrQueueClosed, got %v", err)
	}
}

func TestQueueDrainsOnShutdown(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	sink := SinkFunc(func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.ID)
		return nil
	})

	q := NewQueue(sink, QueueOptions{Buffer: 8, Workers: 2, MaxAttempts: 1}, nil, zerolog.Nop())
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(context.Background(), sampleEvent()); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("buffered events should be drained, delivered %d", len(seen))
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty, has %d", q.Len())
	}
}

func TestQueueAcceptedEventsSurviveShutdown(t *testing.T) {
	var delivered atomic.Int32
	sink := SinkFunc(func(context.Context, Event) error {
		delivered.Add(1)
		return nil
	})

	q := NewQueue(sink, QueueOptions{Buffer: 2, Workers: 1, MaxAttempts: 1, DrainTimeout: 5 * time.Second}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(finished)
	}()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				enqueueCtx, stop := context.WithTimeout(context.Background(), time.Second)
				err := q.Enqueue(enqueueCtx, sampleEvent())
				stop()
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrQueueClosed):
					return
				default:
					t.Errorf("unexpected enqueue error: %v", err)
					return
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	cancel()
	wg.Wait()
	<-finished

	if got, want := delivered.Load(), accepted.Load(); got != want {
		t.Fatalf("every accepted event must reach the sink: accepted %d, delivered %d", want, got)
	}
	if err := q.Enqueue(context.Background(), sampleEvent()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("enqueue after shutdown should fail with ErrQueueClosed, got %v", err)
	}
}

func TestQueueGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	sink := SinkFunc(func(context.Context, Event) error {
		calls.Add(1)
		return errors.New("down")
	})

	q := NewQueue(sink, QueueOptions{Buffer: 1, Workers: 1, MaxAttempts: 2, RetryDelay: time.Millisecond}, nil, zerolog.Nop())
	if err := q.Enqueue(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = q.Run(ctx)

	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

type stubCharts struct {
	png []byte
}

func (s stubCharts) Chart(string, string) ([]byte, bool, error) {
	return s.png, len(s.png) > 0, nil
}

func newTelegramServer(t *testing.T, sent chan<- map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"id": 1, "is_bot": true, "first_name": "coinwatch", "username": "coinwatch_bot"},
			})
		case strings.HasSuffix(r.URL.Path, "/sendMessage"), strings.HasSuffix(r.URL.Path, "/sendPhoto"):
			if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
				if err := r.ParseMultipartForm(1 << 20); err != nil {
					t.Errorf("解析 multipart 失败: %v", err)
				}
			} else if err := r.ParseForm(); err != nil {
				t.Errorf("解析表单失败: %v", err)
			}
			method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			sent <- map[string]string{
				"method":  method,
				"chat_id": r.FormValue("chat_id"),
				"text":    r.FormValue("text"),
				"caption": r.FormValue("caption"),
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"message_id": 1, "date": 0, "chat": map[string]any{"id": 42, "type": "private"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestTelegramSinkSendsText(t *testing.T) {
	sent := make(chan map[string]string, 1)
	srv := newTelegramServer(t, sent)
	defer srv.Close()

	sink, err := NewTelegramSink(TelegramOptions{Token: "token", APIEndpoint: srv.URL + "/bot%s/%s", Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	if err := sink.Deliver(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	got := <-sent
	if got["method"] != "sendMessage" || got["chat_id"] != "42" {
		t.Fatalf("unexpected request: %#v", got)
	}
	if !strings.Contains(got["text"], "Bitcoin") {
		t.Fatalf("text 应包含资产名称: %q", got["text"])
	}
}

func TestTelegramSinkSendsChart(t *testing.T) {
	sent := make(chan map[string]string, 1)
	srv := newTelegramServer(t, sent)
	defer srv.Close()

	sink, err := NewTelegramSink(TelegramOptions{
		Token:       "token",
		APIEndpoint: srv.URL + "/bot%s/%s",
		Timeout:     time.Second,
		Charts:      stubCharts{png: []byte("\x89PNG fake")},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	if err := sink.Deliver(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	got := <-sent
	if got["method"] != "sendPhoto" {
		t.Fatalf("expected sendPhoto, got %s", got["method"])
	}
	if !strings.Contains(got["caption"], "Take-profit") {
		t.Fatalf("caption should carry the alert text: %q", got["caption"])
	}
}

func TestTelegramSinkRejectsBadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 401, "description": "Unauthorized"})
	}))
	defer srv.Close()

	if _, err := NewTelegramSink(TelegramOptions{Token: "bad", APIEndpoint: srv.URL + "/bot%s/%s"}, zerolog.Nop()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestKafkaSinkPublishesJSON(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.AssetID != "bitcoin" || ev.UserID != 42 {
			return errors.New("unexpected payload")
		}
		return nil
	})

	sink := NewKafkaSinkWithProducer(producer, "price_alerts", zerolog.Nop())
	if err := sink.Deliver(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaSinkPropagatesFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))

	sink := NewKafkaSinkWithProducer(producer, "price_alerts", zerolog.Nop())
	if err := sink.Deliver(context.Background(), sampleEvent()); err == nil {
		t.Fatal("publish failure should surface")
	}
	_ = sink.Close()
}
