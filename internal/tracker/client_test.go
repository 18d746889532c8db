package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eliasson/pieces/internal/bencode"
	"github.com/eliasson/pieces/internal/xerrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

func bencodeDict(t *testing.T, pairs ...bencode.Pair) []byte {
	t.Helper()
	out, err := bencode.Encode(bencode.Dictionary(pairs...))
	require.NoError(t, err)
	return out
}

func TestAnnounceParsesCompactPeerList(t *testing.T) {
	var capturedQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedQuery = r.URL.RawQuery
		body := bencodeDict(t,
			bencode.Pair{Key: "interval", Value: bencode.Int64(900)},
			bencode.Pair{Key: "complete", Value: bencode.Int64(3)},
			bencode.Pair{Key: "incomplete", Value: bencode.Int64(7)},
			bencode.Pair{Key: "peers", Value: bencode.Bin([]byte{
				192, 168, 1, 1, 0x1A, 0xE1,
				10, 0, 0, 2, 0x00, 0x50,
			})},
		)
		w.Write(body)
	}))
	defer server.Close()

	c := New(server.URL, nil, tally.NoopScope)
	result, err := c.Announce(context.Background(), Announce{
		InfoHash: [20]byte{1}, PeerID: [20]byte{2}, Left: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, 900*1e9, float64(result.Interval))
	assert.EqualValues(t, 3, result.Complete)
	assert.EqualValues(t, 7, result.Incomplete)
	require.Len(t, result.Peers, 2)
	assert.Equal(t, "192.168.1.1", result.Peers[0].IP)
	assert.EqualValues(t, 0x1AE1, result.Peers[0].Port)
	assert.Equal(t, "10.0.0.2", result.Peers[1].IP)
	assert.EqualValues(t, 80, result.Peers[1].Port)

	assert.Contains(t, capturedQuery, "event=started")
	assert.Contains(t, capturedQuery, "compact=1")
}

func TestAnnounceOmitsStartedEventAfterFirstCall(t *testing.T) {
	var queries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		w.Write(bencodeDict(t, bencode.Pair{Key: "interval", Value: bencode.Int64(60)}))
	}))
	defer server.Close()

	c := New(server.URL, nil, tally.NoopScope)
	req := Announce{InfoHash: [20]byte{1}, PeerID: [20]byte{2}}

	_, err := c.Announce(context.Background(), req)
	require.NoError(t, err)
	_, err = c.Announce(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "event=started")
	assert.NotContains(t, queries[1], "event=started")
}

func TestAnnounceFailureReasonSurfacesAsTrackerFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bencodeDict(t, bencode.Pair{Key: "failure reason", Value: bencode.Str("bad info_hash")}))
	}))
	defer server.Close()

	c := New(server.URL, nil, tally.NoopScope)
	_, err := c.Announce(context.Background(), Announce{InfoHash: [20]byte{1}, PeerID: [20]byte{2}})
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrTrackerFailure)
}

func TestAnnounceDictFormPeerListIsUnsupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := bencodeDict(t,
			bencode.Pair{Key: "interval", Value: bencode.Int64(60)},
			bencode.Pair{Key: "peers", Value: bencode.Seq()},
		)
		w.Write(body)
	}))
	defer server.Close()

	c := New(server.URL, nil, tally.NoopScope)
	_, err := c.Announce(context.Background(), Announce{InfoHash: [20]byte{1}, PeerID: [20]byte{2}})
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrUnsupported)
}

func TestAnnounceNon200IsTrackerUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, nil, tally.NoopScope)
	_, err := c.Announce(context.Background(), Announce{InfoHash: [20]byte{1}, PeerID: [20]byte{2}})
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrTrackerUnreachable)
}
