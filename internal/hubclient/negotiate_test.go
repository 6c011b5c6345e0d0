package hubclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTransport(t *testing.T) {
	t.Parallel()

	cases := map[string]TransportType{
		"WebSockets":       TransportWebSockets,
		"ws":               TransportWebSockets,
		"sse":              TransportServerSentEvents,
		"ServerSentEvents": TransportServerSentEvents,
		" longpolling ":    TransportLongPolling,
	}
	for in, want := range cases {
		got, err := ParseTransport(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}
	_, err := ParseTransport("carrier-pigeon")
	require.Error(t, err)
}

func TestNegotiateResponseToken(t *testing.T) {
	t.Parallel()

	require.Equal(t, "tok", negotiateResponse{ConnectionID: "id", ConnectionToken: "tok", NegotiateVersion: 1}.token())
	require.Equal(t, "id", negotiateResponse{ConnectionID: "id"}.token())
}

func TestNegotiateResponseOffersTextOnly(t *testing.T) {
	t.Parallel()

	neg := negotiateResponse{AvailableTransports: []availableTransport{
		{Transport: TransportWebSockets, TransferFormats: []string{"Binary"}},
		{Transport: TransportLongPolling, TransferFormats: []string{"Text", "Binary"}},
	}}
	require.False(t, neg.offers(TransportWebSockets))
	require.False(t, neg.offers(TransportServerSentEvents))
	require.True(t, neg.offers(TransportLongPolling))
}

func TestConnectionAndWebsocketURL(t *testing.T) {
	t.Parallel()

	u, err := connectionURL("http://localhost:5000/hubs/botlogs", "abc")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:5000/hubs/botlogs?id=abc", u)

	ws, err := websocketURL(u)
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:5000/hubs/botlogs?id=abc", ws)

	wss, err := websocketURL("https://hub.example.com/hubs/botlogs")
	require.NoError(t, err)
	require.Equal(t, "wss://hub.example.com/hubs/botlogs", wss)

	_, err = websocketURL("ftp://hub.example.com")
	require.Error(t, err)
}
