package rest

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/optics"
	"github.com/grafana/optics/pkg/key"
)

func testBackend() *Backend {
	return &Backend{logger: log.NewNopLogger(), current: map[string]*entry{}}
}

func testPoll(name string, typ optics.LensType, value optics.PollValue) *optics.Poll {
	k := &key.Key{}
	k.Push("pfx")
	k.Push(name)

	return &optics.Poll{
		Host:    "h",
		Prefix:  "pfx",
		Name:    name,
		Key:     k,
		Type:    typ,
		Value:   value,
		TS:      100,
		Elapsed: 1,
	}
}

func poll(b *Backend, polls ...*optics.Poll) {
	b.dump(optics.PollBegin, nil)
	for _, p := range polls {
		b.dump(optics.PollMetric, p)
	}
	b.dump(optics.PollDone, nil)
}

func render(t *testing.T, b *Backend) map[string]interface{} {
	t.Helper()

	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, httptest.NewRequest("GET", Route, nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	return doc
}

func TestScalars(t *testing.T) {
	b := testBackend()

	poll(b,
		testPoll("req", optics.TypeCounter, optics.PollValue{Counter: 3}),
		testPoll("temp", optics.TypeGauge, optics.PollValue{Gauge: 1.5}),
		testPoll("q99", optics.TypeQuantile, optics.PollValue{Quantile: 12.5}),
	)

	doc := render(t, b)

	// Raw keys, dots and all, no sanitation.
	assert.Equal(t, 3.0, doc["pfx.req"])
	assert.Equal(t, 1.5, doc["pfx.temp"])
	assert.Equal(t, 12.5, doc["pfx.q99"])
}

func TestCounterAccumulates(t *testing.T) {
	b := testBackend()

	poll(b, testPoll("req", optics.TypeCounter, optics.PollValue{Counter: 3}))
	poll(b, testPoll("req", optics.TypeCounter, optics.PollValue{Counter: 4}))

	assert.Equal(t, 7.0, render(t, b)["pfx.req"])
}

func TestDistObject(t *testing.T) {
	b := testBackend()

	poll(b, testPoll("lat", optics.TypeDist, optics.PollValue{
		Dist: optics.Dist{N: 10, P50: 1, P90: 2, P99: 3, Max: 4},
	}))

	doc := render(t, b)
	lat, ok := doc["pfx.lat"].(map[string]interface{})
	require.True(t, ok)

	assert.Equal(t, 10.0, lat["count"])
	assert.Equal(t, 1.0, lat["p50"])
	assert.Equal(t, 2.0, lat["p90"])
	assert.Equal(t, 3.0, lat["p99"])
	assert.Equal(t, 4.0, lat["max"])
}

func TestHistoObject(t *testing.T) {
	b := testBackend()

	poll(b, testPoll("size", optics.TypeHisto, optics.PollValue{
		Histo: optics.Histo{
			Below:  1,
			Above:  2,
			Edges:  []float64{1, 2, 3},
			Counts: []uint64{3, 4},
		},
	}))

	doc := render(t, b)
	size, ok := doc["pfx.size"].(map[string]interface{})
	require.True(t, ok)

	assert.Equal(t, 1.0, size["below"])
	assert.Equal(t, 2.0, size["above"])
	assert.Equal(t, 3.0, size["bucket_1-2"])
	assert.Equal(t, 4.0, size["bucket_2-3"])
}

func TestStaleSeriesDropped(t *testing.T) {
	b := testBackend()

	poll(b, testPoll("old", optics.TypeGauge, optics.PollValue{Gauge: 1}))
	poll(b, testPoll("new", optics.TypeGauge, optics.PollValue{Gauge: 2}))

	doc := render(t, b)
	assert.NotContains(t, doc, "pfx.old")
	assert.Contains(t, doc, "pfx.new")
}

func TestRegisterServesRoute(t *testing.T) {
	p := optics.NewPoller(nil)

	router := mux.NewRouter()
	_, err := Register(p, router, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", Route, nil))
	assert.Equal(t, 200, rec.Code)
}
