package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-kivik/kivik/v4/driver"
	"github.com/go-kivik/kivik/v4/mockdb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/location-agent/internal/models"
)

// decodeJSON decodes v through JSON keeping numbers exact.
func decodeJSON(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]interface{}
	require.NoError(t, dec.Decode(&out))
	return out
}

func compareJSON(a, b interface{}) (int, bool) {
	switch av := a.(type) {
	case json.Number:
		bv, ok := b.(json.Number)
		if !ok {
			return 0, false
		}
		x, _ := av.Int64()
		y, _ := bv.Int64()
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	}
	return 0, false
}

// selectorMatches evaluates the subset of Mango used by the store.
func selectorMatches(selector, doc map[string]interface{}) bool {
	for field, cond := range selector {
		if field == "$or" {
			matched := false
			for _, alt := range cond.([]interface{}) {
				if selectorMatches(alt.(map[string]interface{}), doc) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
			continue
		}
		ops, isOps := cond.(map[string]interface{})
		if !isOps {
			if c, ok := compareJSON(doc[field], cond); !ok || c != 0 {
				return false
			}
			continue
		}
		for op, arg := range ops {
			c, ok := compareJSON(doc[field], arg)
			if !ok {
				return false
			}
			if (op == "$gt" && c <= 0) || (op == "$gte" && c < 0) {
				return false
			}
		}
	}
	return true
}

// newMockCouchStore serves Find from docs, honoring selector and limit.
func newMockCouchStore(t *testing.T, docs []models.LocationSample, finds int) *CouchStore {
	t.Helper()
	client, mock := mockdb.NewT(t)
	db := mock.NewDB()
	mock.ExpectDB().WillReturn(db)

	for i := 0; i < finds; i++ {
		db.ExpectFind().WillExecute(func(_ context.Context, query interface{}, _ driver.Options) (driver.Rows, error) {
			q := decodeJSON(t, query)
			selector := q["selector"].(map[string]interface{})
			limit, _ := q["limit"].(json.Number).Int64()

			rows := mockdb.NewRows()
			n := int64(0)
			for _, s := range docs {
				doc := toDoc(s)
				if !selectorMatches(selector, decodeJSON(t, doc)) {
					continue
				}
				if limit > 0 && n == limit {
					break
				}
				raw, err := json.Marshal(doc)
				require.NoError(t, err)
				rows.AddRow(&driver.Row{ID: doc.ID, Doc: bytes.NewReader(raw)})
				n++
			}
			return rows.Final(), nil
		})
	}

	store := &CouchStore{client: client, db: client.DB("samples"), logger: zerolog.Nop()}
	t.Cleanup(func() { assert.NoError(t, mock.ExpectationsWereMet()) })
	return store
}

func ids(samples []models.LocationSample) []string {
	out := make([]string, 0, len(samples))
	for _, s := range samples {
		out = append(out, s.ClientID)
	}
	return out
}

func TestCouchStore_ReadFullPageAfterCursor(t *testing.T) {
	docs := []models.LocationSample{sample("a", 0), sample("b", time.Second), sample("c", 2*time.Second)}
	store := newMockCouchStore(t, docs, 2)
	ctx := context.Background()

	cursor := models.SyncCursor{DeviceID: "dev-1", LastTimestamp: docs[0].Timestamp, LastClientID: "a", Revision: 1}
	page, err := store.Read(ctx, cursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(page))

	page, err = store.Read(ctx, models.SyncCursor{DeviceID: "dev-1"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(page))
}

func TestCouchStore_ReadSameTimestampTieBreak(t *testing.T) {
	docs := []models.LocationSample{sample("a", 0), sample("b", 0), sample("c", 0)}
	store := newMockCouchStore(t, docs, 1)

	cursor := models.SyncCursor{DeviceID: "dev-1", LastTimestamp: docs[0].Timestamp, LastClientID: "a", Revision: 1}
	page, err := store.Read(context.Background(), cursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(page))
}
