package discovery

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"
)

func etcdClient(t *testing.T) *clientv3.Client {
	t.Helper()
	endpoints := EtcdEndpoints(os.Getenv("SHEETMESH_ETCD_ENDPOINTS"))
	if len(endpoints) == 0 {
		t.Skip("SHEETMESH_ETCD_ENDPOINTS not set")
	}
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEtcdAnnounceAndWatch(t *testing.T) {
	c := etcdClient(t)
	logger := zaptest.NewLogger(t)
	prefix := "/sheetmesh-test/" + uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewRegistry()
	go NewEtcdWatcher(c, prefix, reg, logger).Run(ctx)

	annCtx, stopAnnouncing := context.WithCancel(ctx)
	a := Announcement{Domain: "d1", Service: "sheets", URI: "127.0.0.1:7000"}
	announced := make(chan struct{})
	go func() {
		defer close(announced)
		NewEtcdAnnouncer(c, prefix, a, 5*time.Second, logger).Run(annCtx)
	}()

	assert.Eventually(t, func() bool {
		return len(reg.KnownEndpoints("d1", "sheets")) == 1
	}, 5*time.Second, 20*time.Millisecond)

	stopAnnouncing()
	<-announced
	assert.Eventually(t, func() bool {
		return len(reg.KnownEndpoints("d1", "sheets")) == 0
	}, 5*time.Second, 20*time.Millisecond, "revoked lease evicts the endpoint")
}

func TestEtcdEndpoints(t *testing.T) {
	assert.Equal(t, []string{"a:2379", "b:2379"}, EtcdEndpoints(" a:2379, ,b:2379"))
	assert.Empty(t, EtcdEndpoints(""))
}
