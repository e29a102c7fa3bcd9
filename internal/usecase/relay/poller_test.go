package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-signal-relay/internal/domain"
)

type fakeTransport struct {
	mu       sync.Mutex
	updates  []domain.Update
	err      error
	calls    int
	offsets  []int64
	interval time.Duration
	first    chan struct{}
	once     sync.Once
}

func newFakeTransport(interval time.Duration) *fakeTransport {
	return &fakeTransport{interval: interval, first: make(chan struct{})}
}

func (f *fakeTransport) GetMe(context.Context) (domain.BotInfo, error) {
	return domain.BotInfo{ID: 1, Username: "testbot"}, nil
}

func (f *fakeTransport) GetChat(context.Context, string) (domain.ChatInfo, error) {
	return domain.ChatInfo{ID: "c1"}, nil
}

func (f *fakeTransport) GetUpdates(_ context.Context, offset int64, _ int) ([]domain.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.offsets = append(f.offsets, offset)
	f.once.Do(func() { close(f.first) })
	if f.err != nil {
		return nil, f.err
	}
	updates := f.updates
	f.updates = nil
	return updates, nil
}

func (f *fakeTransport) PollInterval() time.Duration { return f.interval }

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingDispatcher struct {
	mu      sync.Mutex
	updates []domain.Update
	err     error
}

func (r *recordingDispatcher) Dispatch(_ context.Context, _ string, upd domain.Update) (domain.DispatchReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.DispatchReport{}, r.err
	}
	r.updates = append(r.updates, upd)
	return domain.DispatchReport{Total: 1, Delivered: 1}, nil
}

func newTestManager(store *stubStore, dispatcher UpdateDispatcher, transport domain.MessagingTransport) *Manager {
	factory := func(string) domain.MessagingTransport { return transport }
	return NewManager(factory, store, dispatcher, nil, domain.SignlessMatch, zerolog.Nop(), ManagerConfig{BatchLimit: 100})
}

func TestCycleAdvancesCursorPastForeignChats(t *testing.T) {
	store := newStubStore()
	transport := newFakeTransport(time.Second)
	transport.updates = []domain.Update{
		{ID: 10, MsgID: 1, ChatID: "c1", Text: "BUY BTC"},
		{ID: 11, MsgID: 2, ChatID: "c2", Text: "чужой чат"},
		{ID: 12},
	}
	dispatcher := &recordingDispatcher{}
	m := newTestManager(store, dispatcher, transport)

	cursor, err := m.cycle(context.Background(), "c1", transport, 5)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if cursor != 12 {
		t.Fatalf("курсор должен продвинуться до максимального апдейта, получили %d", cursor)
	}
	if len(transport.offsets) != 1 || transport.offsets[0] != 6 {
		t.Fatalf("запрашивать нужно строго после курсора: %v", transport.offsets)
	}
	if len(dispatcher.updates) != 1 || dispatcher.updates[0].Text != "BUY BTC" {
		t.Fatalf("диспетчеру должен уйти только апдейт своего чата: %+v", dispatcher.updates)
	}
	if len(store.saveOffsetCalls) != 1 || store.saveOffsetCalls[0] != 12 {
		t.Fatalf("курсор должен сохраниться: %v", store.saveOffsetCalls)
	}
}

func TestCycleSignTolerantChatMatch(t *testing.T) {
	store := newStubStore()
	transport := newFakeTransport(time.Second)
	transport.updates = []domain.Update{{ID: 1, ChatID: "-1001234", Text: "BUY BTC"}}
	dispatcher := &recordingDispatcher{}
	m := newTestManager(store, dispatcher, transport)

	if _, err := m.cycle(context.Background(), "1001234", transport, 0); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(dispatcher.updates) != 1 {
		t.Fatalf("апдейт с ведущим знаком должен совпадать с каналом")
	}
}

func TestCycleFetchErrorKeepsCursor(t *testing.T) {
	store := newStubStore()
	transport := newFakeTransport(time.Second)
	transport.err = errors.New("сеть недоступна")
	m := newTestManager(store, &recordingDispatcher{}, transport)

	cursor, err := m.cycle(context.Background(), "c1", transport, 42)
	if err == nil {
		t.Fatalf("ожидали ошибку цикла")
	}
	if cursor != 42 {
		t.Fatalf("курсор не должен продвигаться при сбое, получили %d", cursor)
	}
	if len(store.saveOffsetCalls) != 0 {
		t.Fatalf("курсор не должен сохраняться при сбое")
	}
}

func TestCycleDispatchErrorStillAdvances(t *testing.T) {
	store := newStubStore()
	transport := newFakeTransport(time.Second)
	transport.updates = []domain.Update{{ID: 3, ChatID: "c1", Text: "BUY BTC"}}
	dispatcher := &recordingDispatcher{err: errors.New("рассылка упала")}
	m := newTestManager(store, dispatcher, transport)

	cursor, err := m.cycle(context.Background(), "c1", transport, 0)
	if err != nil {
		t.Fatalf("ошибка рассылки не должна проваливать цикл: %v", err)
	}
	if cursor != 3 {
		t.Fatalf("курсор должен продвигаться несмотря на ошибку рассылки")
	}
}

func TestCycleEmptyBatchDoesNotSaveOffset(t *testing.T) {
	store := newStubStore()
	transport := newFakeTransport(time.Second)
	m := newTestManager(store, &recordingDispatcher{}, transport)

	cursor, err := m.cycle(context.Background(), "c1", transport, 9)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if cursor != 9 || len(store.saveOffsetCalls) != 0 {
		t.Fatalf("пустая выдача не должна трогать курсор")
	}
}

func TestRelayScenarioTwoChats(t *testing.T) {
	store := newStubStore()
	store.channels["c1"] = domain.Channel{ChatID: "c1", Title: "Free Signals", Type: domain.SubscriptionFree}
	store.subs = []domain.Subscription{
		{UserID: "u1", ChatID: "c1"},
		{UserID: "u2", ChatID: "c1"},
	}
	transport := newFakeTransport(time.Second)
	transport.updates = []domain.Update{
		{ID: 100, MsgID: 1, ChatID: "c1", Text: "BUY BTC"},
		{ID: 101, MsgID: 2, ChatID: "c2", Text: "не наш канал"},
	}
	dispatcher := newTestDispatcher(store)
	m := newTestManager(store, dispatcher, transport)

	cursor, err := m.cycle(context.Background(), "c1", transport, 0)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if cursor != 101 {
		t.Fatalf("курсор должен пройти оба апдейта, получили %d", cursor)
	}
	if len(store.messages) != 1 || store.messages[0].ChatID != "c1" {
		t.Fatalf("ожидали одно сообщение для c1: %+v", store.messages)
	}
	if len(store.notifications) != 2 {
		t.Fatalf("ожидали два уведомления, получили %d", len(store.notifications))
	}
	users := map[string]bool{}
	for _, n := range store.notifications {
		users[n.UserID] = true
		if n.ChatID != "c1" || n.Body != "BUY BTC" {
			t.Fatalf("уведомление ссылается не на тот канал или текст: %+v", n)
		}
	}
	if !users["u1"] || !users["u2"] {
		t.Fatalf("уведомления должны уйти u1 и u2: %v", users)
	}
}

func TestStopPollingUnknownChatIsNoop(t *testing.T) {
	m := newTestManager(newStubStore(), &recordingDispatcher{}, newFakeTransport(time.Millisecond))
	m.StopPolling("нет такого")
}

func TestStartPollingIsIdempotent(t *testing.T) {
	store := newStubStore()
	first := newFakeTransport(5 * time.Millisecond)
	second := newFakeTransport(5 * time.Millisecond)
	transports := []*fakeTransport{first, second}
	idx := 0
	factory := func(string) domain.MessagingTransport {
		tr := transports[idx]
		idx++
		return tr
	}
	m := NewManager(factory, store, &recordingDispatcher{}, nil, domain.SignlessMatch, zerolog.Nop(), ManagerConfig{})

	channel := domain.Channel{ChatID: "c1", BotToken: "token"}
	m.StartPolling(channel)
	waitFirstCall(t, first)
	m.StartPolling(channel)

	// Первый поллер остановлен синхронно: его транспорт больше не опрашивается.
	frozen := first.callCount()
	waitFirstCall(t, second)
	time.Sleep(20 * time.Millisecond)
	if first.callCount() != frozen {
		t.Fatalf("первый поллер должен быть заменён вторым")
	}
	if !m.Running("c1") {
		t.Fatalf("поллер должен остаться ровно один")
	}

	m.StopPolling("c1")
	if m.Running("c1") {
		t.Fatalf("после остановки поллера быть не должно")
	}
}

func TestStopAll(t *testing.T) {
	store := newStubStore()
	m := newTestManager(store, &recordingDispatcher{}, newFakeTransport(5*time.Millisecond))
	m.StartPolling(domain.Channel{ChatID: "c1"})
	m.StartPolling(domain.Channel{ChatID: "c2"})
	m.StopAll()
	if m.Running("c1") || m.Running("c2") {
		t.Fatalf("после StopAll поллеров быть не должно")
	}
}

func TestStartPollingRestoresPersistedCursor(t *testing.T) {
	store := newStubStore()
	transport := newFakeTransport(time.Hour)
	m := newTestManager(store, &recordingDispatcher{}, transport)

	m.StartPolling(domain.Channel{ChatID: "c1", LastUpdateID: 77})
	waitFirstCall(t, transport)
	m.StopPolling("c1")

	if len(transport.offsets) == 0 || transport.offsets[0] != 78 {
		t.Fatalf("первый запрос должен идти от сохранённого курсора: %v", transport.offsets)
	}
}

func waitFirstCall(t *testing.T, tr *fakeTransport) {
	t.Helper()
	select {
	case <-tr.first:
	case <-time.After(2 * time.Second):
		t.Fatalf("транспорт так и не был опрошен")
	}
}

func TestStartPollingConcurrentReplaceLeavesNoOrphan(t *testing.T) {
	store := newStubStore()
	var (
		mu         sync.Mutex
		transports []*fakeTransport
	)
	factory := func(string) domain.MessagingTransport {
		tr := newFakeTransport(time.Millisecond)
		mu.Lock()
		transports = append(transports, tr)
		mu.Unlock()
		return tr
	}
	m := NewManager(factory, store, &recordingDispatcher{}, nil, domain.SignlessMatch, zerolog.Nop(), ManagerConfig{})

	for i := 0; i < 200; i++ {
		start := make(chan struct{})
		var wg sync.WaitGroup
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				m.StartPolling(domain.Channel{ChatID: "c1"})
			}()
		}
		close(start)
		wg.Wait()
	}
	m.StopPolling("c1")
	if m.Running("c1") {
		t.Fatalf("после остановки поллеров быть не должно")
	}

	// Каждая замена обязана гасить вытесненный поллер: ни один из созданных
	// транспортов не должен опрашиваться после финальной остановки.
	mu.Lock()
	snapshot := make([]int, len(transports))
	for i, tr := range transports {
		snapshot[i] = tr.callCount()
	}
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	for i, tr := range transports {
		if tr.callCount() != snapshot[i] {
			t.Fatalf("транспорт %d пережил остановку поллера", i)
		}
	}
}

type scriptedTransport struct {
	mu       sync.Mutex
	script   []error // ошибка на каждый вызов по порядку; nil и хвост — успех
	calls    int
	interval time.Duration
}

func (s *scriptedTransport) GetMe(context.Context) (domain.BotInfo, error) {
	return domain.BotInfo{ID: 1}, nil
}

func (s *scriptedTransport) GetChat(context.Context, string) (domain.ChatInfo, error) {
	return domain.ChatInfo{ID: "c1"}, nil
}

func (s *scriptedTransport) GetUpdates(context.Context, int64, int) ([]domain.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.calls < len(s.script) {
		err = s.script[s.calls]
	}
	s.calls++
	return nil, err
}

func (s *scriptedTransport) PollInterval() time.Duration { return s.interval }

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []domain.ChannelAlert
}

func (r *recordingAlerts) PublishChannelAlert(_ context.Context, alert domain.ChannelAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingAlerts) snapshot() []domain.ChannelAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ChannelAlert(nil), r.alerts...)
}

func waitCallCount(t *testing.T, count func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if count() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("транспорт опрошен %d раз, ожидали не меньше %d", count(), want)
}

func TestRunAlertsOnceAtFailureThreshold(t *testing.T) {
	store := newStubStore()
	boom := errors.New("сеть недоступна")
	transport := &scriptedTransport{
		interval: time.Millisecond,
		script:   []error{boom, boom, boom, boom, boom},
	}
	alerts := &recordingAlerts{}
	factory := func(string) domain.MessagingTransport { return transport }
	m := NewManager(factory, store, &recordingDispatcher{}, alerts, domain.SignlessMatch, zerolog.Nop(), ManagerConfig{
		AlertThreshold: 3,
		MaxBackoff:     2 * time.Millisecond,
	})

	m.StartPolling(domain.Channel{ChatID: "c1"})
	waitCallCount(t, transport.callCount, 6)
	m.StopPolling("c1")

	got := alerts.snapshot()
	if len(got) != 1 {
		t.Fatalf("алерт должен публиковаться ровно один раз на пороге, получили %d", len(got))
	}
	if got[0].ChatID != "c1" || got[0].Failures != 3 {
		t.Fatalf("неожиданный алерт: %+v", got[0])
	}
	if got[0].LastError == "" {
		t.Fatalf("алерт должен нести текст последней ошибки")
	}
}

func TestRunFailureCountResetsOnSuccess(t *testing.T) {
	store := newStubStore()
	boom := errors.New("сеть недоступна")
	transport := &scriptedTransport{
		interval: time.Millisecond,
		script:   []error{boom, boom, nil, boom, boom, nil},
	}
	alerts := &recordingAlerts{}
	factory := func(string) domain.MessagingTransport { return transport }
	m := NewManager(factory, store, &recordingDispatcher{}, alerts, domain.SignlessMatch, zerolog.Nop(), ManagerConfig{
		AlertThreshold: 3,
		MaxBackoff:     2 * time.Millisecond,
	})

	m.StartPolling(domain.Channel{ChatID: "c1"})
	waitCallCount(t, transport.callCount, 7)
	m.StopPolling("c1")

	if got := alerts.snapshot(); len(got) != 0 {
		t.Fatalf("успешный цикл должен сбрасывать счётчик сбоев, получили алерты: %+v", got)
	}
}
