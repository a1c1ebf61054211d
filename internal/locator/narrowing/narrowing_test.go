package narrowing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	kvmemory "github.com/JakeFAU/bundlefetch/internal/kv/memory"
)

func day(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSpaceAdvance(t *testing.T) {
	t.Parallel()

	sp := Space{Start: day("2024-01-30"), End: day("2024-02-01"), Alphabet: "abc"}
	cases := []struct {
		in   State
		want State
		ok   bool
	}{
		{State{"2024-01-30", ""}, State{"2024-01-31", ""}, true},
		{State{"2024-01-30", "a"}, State{"2024-01-30", "b"}, true},
		{State{"2024-01-30", "c"}, State{"2024-01-31", ""}, true},
		{State{"2024-01-30", "ac"}, State{"2024-01-30", "b"}, true},
		{State{"2024-01-30", "bcc"}, State{"2024-01-30", "c"}, true},
		{State{"2024-01-31", "cc"}, State{"2024-02-01", ""}, true},
		{State{"2024-02-01", "c"}, State{}, false},
		{State{"not-a-date", ""}, State{}, false},
	}
	for _, tc := range cases {
		got, ok := sp.Advance(tc.in)
		assert.Equal(t, tc.ok, ok, "advance %+v", tc.in)
		assert.Equal(t, tc.want, got, "advance %+v", tc.in)
	}

	// Pure: the same input always yields the same output.
	a, _ := sp.Advance(State{"2024-01-30", "ab"})
	b, _ := sp.Advance(State{"2024-01-30", "ab"})
	assert.Equal(t, a, b)
}

func TestSpaceDescend(t *testing.T) {
	t.Parallel()

	sp := Space{Alphabet: "xyz", MaxDepth: 2}
	got, ok := sp.Descend(State{"2024-01-01", ""})
	require.True(t, ok)
	assert.Equal(t, State{"2024-01-01", "x"}, got)
	got, ok = sp.Descend(got)
	require.True(t, ok)
	assert.Equal(t, State{"2024-01-01", "xx"}, got)
	_, ok = sp.Descend(got)
	assert.False(t, ok)
}

// drive runs the locator like the coordinator does, one request at a time.
func drive(t *testing.T, l *Locator, rc *bundle.FetchRunContext, limit int) []string {
	t.Helper()
	var urls []string
	for range limit {
		reqs, err := l.NextRequests(context.Background(), rc)
		require.NoError(t, err)
		if len(reqs) == 0 {
			return urls
		}
		require.Len(t, reqs, 1)
		urls = append(urls, reqs[0].URL)
		require.NoError(t, l.HandleProcessed(context.Background(), reqs[0], nil, rc))
	}
	t.Fatalf("locator did not finish within %d requests", limit)
	return nil
}

func TestLocatorNarrowsOverCapQueries(t *testing.T) {
	t.Parallel()

	counts := map[string]int{
		"2024-03-01/":  250,
		"2024-03-01/a": 150,
		"2024-03-01/b": 10,
		"2024-03-02/":  50,
	}
	count := func(_ context.Context, d time.Time, prefix string) (int, error) {
		return counts[d.Format(DateLayout)+"/"+prefix], nil
	}
	l, err := New(Config{
		Name:  "registry",
		Space: Space{Start: day("2024-03-01"), End: day("2024-03-02"), Alphabet: "ab"},
		URL:   "https://registry.example/search?date={date}&q={prefix}",
		Cap:   100,
		Count: count,
	})
	require.NoError(t, err)

	rc := &bundle.FetchRunContext{RunID: "r1", KV: kvmemory.New()}
	got := drive(t, l, rc, 20)
	assert.Equal(t, []string{
		"https://registry.example/search?date=2024-03-01&q=aa",
		"https://registry.example/search?date=2024-03-01&q=ab",
		"https://registry.example/search?date=2024-03-01&q=b",
		"https://registry.example/search?date=2024-03-02&q=",
	}, got)
}

func TestLocatorResumesFromPersistedState(t *testing.T) {
	t.Parallel()

	store := kvmemory.New()
	cfg := Config{
		Name:  "daily",
		Space: Space{Start: day("2024-05-01"), End: day("2024-05-03")},
		URL:   "https://api.example/day/{date}",
		Cap:   10,
		Count: func(context.Context, time.Time, string) (int, error) { return 1, nil },
	}
	first, err := New(cfg)
	require.NoError(t, err)
	rc := &bundle.FetchRunContext{RunID: "r1", KV: store}

	reqs, err := first.NextRequests(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.NoError(t, first.HandleProcessed(context.Background(), reqs[0], nil, rc))

	// Nothing new while a request is in flight.
	reqs, err = first.NextRequests(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	again, err := first.NextRequests(context.Background(), rc)
	require.NoError(t, err)
	assert.Empty(t, again)

	// A crash before HandleProcessed: the next run repeats 05-02.
	second, err := New(cfg)
	require.NoError(t, err)
	got := drive(t, second, &bundle.FetchRunContext{RunID: "r2", KV: store}, 10)
	assert.Equal(t, []string{"https://api.example/day/2024-05-02", "https://api.example/day/2024-05-03"}, got)

	// Extending the end date resumes after the finished day.
	cfg.Space.End = day("2024-05-04")
	third, err := New(cfg)
	require.NoError(t, err)
	got = drive(t, third, &bundle.FetchRunContext{RunID: "r3", KV: store}, 10)
	assert.Equal(t, []string{"https://api.example/day/2024-05-04"}, got)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	count := func(context.Context, time.Time, string) (int, error) { return 0, nil }
	_, err := New(Config{Name: "x", URL: "https://e/{date}", Cap: 1})
	require.Error(t, err)
	_, err = New(Config{Name: "x", URL: "https://e/", Cap: 1, Count: count})
	require.Error(t, err)
	_, err = New(Config{Name: "x", URL: "https://e/{date}", Cap: 0, Count: count})
	require.Error(t, err)
	_, err = New(Config{
		Name: "x", URL: "https://e/{date}", Cap: 1, Count: count,
		Space: Space{Start: day("2024-02-02"), End: day("2024-02-01")},
	})
	require.Error(t, err)
}

type mockGetter struct {
	mock.Mock
}

func (m *mockGetter) GetInt(ctx context.Context, req bundle.RequestMeta, field string) (int, error) {
	args := m.Called(ctx, req, field)
	return args.Int(0), args.Error(1)
}

func TestJSONCounter(t *testing.T) {
	t.Parallel()

	getter := &mockGetter{}
	params := map[string]string{"credential_id": "search"}
	getter.On("GetInt", mock.Anything, bundle.RequestMeta{
		URL:    "https://api.example/count?date=2024-01-01&q=ab",
		Params: params,
	}, "total").Return(42, nil).Once()
	getter.On("GetInt", mock.Anything, mock.Anything, "total").Return(0, errors.New("unexpected status")).Once()

	count := JSONCounter(getter, "https://api.example/count?date={date}&q={prefix}", "total", params)
	n, err := count(context.Background(), day("2024-01-01"), "ab")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = count(context.Background(), day("2024-01-01"), "bad")
	require.Error(t, err)
	getter.AssertExpectations(t)
}
