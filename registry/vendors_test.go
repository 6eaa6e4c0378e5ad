package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addresses(v *Vendors) []string {
	var out []string
	for _, ep := range v.Endpoints() {
		out = append(out, ep.Address)
	}
	return out
}

func TestLoadVendorFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vendors.txt")
	content := "localhost:50051\n\n# backup vendor\n  localhost:50052  \nlocalhost:50053"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	v, err := LoadVendorFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:50051", "localhost:50052", "localhost:50053"}, addresses(v))
	assert.Equal(t, 3, v.Len())
	assert.Equal(t, "localhost:50052", v.At(1).Address)
}

func TestLoadVendorFileMissingDegradesToEmpty(t *testing.T) {
	v, err := LoadVendorFile(filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 0, v.Len())
}

func TestEndpointsReturnsCopy(t *testing.T) {
	v := NewVendors("a:1", "b:2")
	eps := v.Endpoints()
	eps[0].Address = "mutated"
	assert.Equal(t, "a:1", v.At(0).Address)
}

func TestMergeKeepsOrderAndDropsDuplicates(t *testing.T) {
	merged := NewVendors("a:1", "b:2").Merge(NewVendors("b:2", "c:3"))
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, addresses(merged))
}

type fakeRegistry struct {
	instances []ServiceInstance
	err       error
}

func (f *fakeRegistry) Register(context.Context, string, ServiceInstance, int64) error { return nil }
func (f *fakeRegistry) Deregister(context.Context, string, string) error { return nil }
func (f *fakeRegistry) Discover(context.Context, string) ([]ServiceInstance, error) {
	return f.instances, f.err
}

func TestDiscoverVendors(t *testing.T) {
	reg := &fakeRegistry{instances: []ServiceInstance{{Addr: "v1:9001"}, {Addr: "v2:9002"}}}
	v, err := DiscoverVendors(context.Background(), reg, "Vendor")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1:9001", "v2:9002"}, addresses(v))

	_, err = DiscoverVendors(context.Background(), &fakeRegistry{err: errors.New("etcd down")}, "Vendor")
	require.Error(t, err)
}
