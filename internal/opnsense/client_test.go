package opnsense

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vpnhub/internal/faults"
)

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "k", APISecret: "s"})
}

func TestAddPeerSaved(t *testing.T) {
	var restarted bool
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/wireguard/client/addClient":
			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			require.Equal(t, "k", user)
			require.Equal(t, "s", pass)
			fmt.Fprint(w, `{"result":"saved","uuid":"aaaa-bbbb"}`)
		case "/api/wireguard/service/restart":
			restarted = true
			fmt.Fprint(w, `{"response":"OK"}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	id, err := c.AddPeer(context.Background(), "alice-laptop", "PUB", "10.0.0.2", "PSK")
	require.NoError(t, err)
	require.Equal(t, "aaaa-bbbb", id)
	require.True(t, restarted, "mutating call must trigger service restart")
}

func TestAddPeerRejected(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":"failed","validations":{"client.pubkey":"invalid"}}`)
	})
	_, err := c.AddPeer(context.Background(), "n", "PUB", "10.0.0.2", "")
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.FirewallRejected))
}

func TestAddPeerRestartFailureSwallowed(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/wireguard/service/restart" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"result":"saved","uuid":"u1"}`)
	})
	id, err := c.AddPeer(context.Background(), "n", "PUB", "10.0.0.2", "")
	require.NoError(t, err, "restart failure is not a correctness gate")
	require.Equal(t, "u1", id)
}

func TestRemovePeer(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/wireguard/client/delClient/u1":
			fmt.Fprint(w, `{"result":"deleted"}`)
		case "/api/wireguard/service/restart":
			fmt.Fprint(w, `{"response":"OK"}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})
	require.NoError(t, c.RemovePeer(context.Background(), "u1"))
}

func TestRemovePeerNotConfirmed(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":"not found"}`)
	})
	err := c.RemovePeer(context.Background(), "nope")
	require.True(t, faults.IsKind(err, faults.FirewallRejected))
}

func TestListPeers(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/wireguard/client/get", r.URL.Path)
		fmt.Fprint(w, `{"client":{"clients":{"client":{
			"u1":{"name":"alice-laptop","pubkey":"P1","tunneladdress":"10.0.0.2/32","psk":"","enabled":"1"},
			"u2":{"name":"bob-phone","pubkey":"P2","tunneladdress":"10.0.0.3/32","psk":"x","enabled":"0"}
		}}}}`)
	})
	peers := c.ListPeers(context.Background())
	require.Len(t, peers, 2)
	byUUID := map[string]Peer{}
	for _, p := range peers {
		byUUID[p.UUID] = p
	}
	require.Equal(t, "alice-laptop", byUUID["u1"].Name)
	require.True(t, byUUID["u1"].Enabled)
	require.False(t, byUUID["u2"].Enabled)
}

func TestListPeersDegradesToEmpty(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", APIKey: "k", APISecret: "s", Timeout: 200 * time.Millisecond})
	peers := c.ListPeers(context.Background())
	require.Empty(t, peers, "read-path transport failure degrades to empty list")
}

func TestListActivePeersWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	fresh := now.Add(-time.Minute).Unix()
	stale := now.Add(-10 * time.Minute).Unix()
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/wireguard/service/showconf", r.URL.Path)
		fmt.Fprintf(w, `{"rows":[
			{"type":"interface","public-key":"IF"},
			{"type":"peer","public-key":"P1","latest-handshake":%d,"transfer-rx":100,"transfer-tx":200},
			{"type":"peer","public-key":"P2","latest-handshake":%d},
			{"type":"peer","public-key":"P3","latest-handshake":0}
		]}`, fresh, stale)
	})
	c.now = func() time.Time { return now }

	acts, err := c.ListActivePeers(context.Background())
	require.NoError(t, err)
	require.Len(t, acts, 3)
	require.True(t, acts[0].Active)
	require.EqualValues(t, 100, acts[0].TransferRx)
	require.False(t, acts[1].Active)
	require.False(t, acts[2].Active)
	require.True(t, acts[2].LastHandshakeAt.IsZero())
}

func TestVerifySubnetMatch(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/wireguard/server/get", r.URL.Path)
		fmt.Fprint(w, `{"server":{"servers":{"server":{
			"s1":{"name":"wg0","tunneladdress":"10.0.0.1/24"}
		}}}}`)
	})
	require.NoError(t, c.VerifySubnetMatch(context.Background(), "10.0.0.0/24"))

	err := c.VerifySubnetMatch(context.Background(), "10.1.0.0/24")
	require.True(t, faults.IsKind(err, faults.SubnetMismatch))
}

func TestHealthCheckNeverErrors(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/core/firmware/status", r.URL.Path)
		fmt.Fprint(w, `{"product_version":"24.7"}`)
	})
	h := c.HealthCheck(context.Background())
	require.True(t, h.Healthy)
	require.Equal(t, "24.7", h.Detail)

	down := New(Config{BaseURL: "http://127.0.0.1:1", APIKey: "k", APISecret: "s", Timeout: 200 * time.Millisecond})
	h = down.HealthCheck(context.Background())
	require.False(t, h.Healthy)
	require.NotEmpty(t, h.Detail)
}
