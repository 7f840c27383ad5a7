package connector

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	ips map[string][]net.IP
}

func (f fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IP, error) {
	return f.ips[host], nil
}

func TestGuard_DeniesByDefaultWithEmptyAllowlist(t *testing.T) {
	g := NewGuard(nil, fakeResolver{ips: map[string][]net.IP{"api.example.com": {net.ParseIP("93.184.216.34")}}})
	_, _, err := g.Validate(context.Background(), "https://api.example.com/webhook")
	assert.ErrorIs(t, err, ErrSSRFBlocked)
}

func TestGuard_AllowsPublicAddressOnAllowlistedHost(t *testing.T) {
	g := NewGuard([]string{"api.example.com"}, fakeResolver{ips: map[string][]net.IP{"api.example.com": {net.ParseIP("93.184.216.34")}}})
	u, ip, err := g.Validate(context.Background(), "https://api.example.com/webhook")
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", u.Hostname())
	assert.True(t, ip.Equal(net.ParseIP("93.184.216.34")))
}

func TestGuard_RejectsPrivateAddress(t *testing.T) {
	g := NewGuard([]string{"internal.example.com"}, fakeResolver{ips: map[string][]net.IP{"internal.example.com": {net.ParseIP("10.0.0.5")}}})
	_, _, err := g.Validate(context.Background(), "https://internal.example.com/")
	assert.ErrorIs(t, err, ErrSSRFBlocked)
}

func TestGuard_RejectsLoopback(t *testing.T) {
	g := NewGuard([]string{"localhost"}, fakeResolver{ips: map[string][]net.IP{"localhost": {net.ParseIP("127.0.0.1")}}})
	_, _, err := g.Validate(context.Background(), "http://localhost:8080/")
	assert.ErrorIs(t, err, ErrSSRFBlocked)
}

func TestGuard_RejectsMetadataAddress(t *testing.T) {
	g := NewGuard([]string{"metadata.internal"}, fakeResolver{ips: map[string][]net.IP{"metadata.internal": {net.ParseIP("169.254.169.254")}}})
	_, _, err := g.Validate(context.Background(), "http://metadata.internal/latest/meta-data/")
	assert.ErrorIs(t, err, ErrSSRFBlocked)
}

func TestGuard_RejectsSharedAddressSpace(t *testing.T) {
	g := NewGuard([]string{"cgnat.example.com"}, fakeResolver{ips: map[string][]net.IP{"cgnat.example.com": {net.ParseIP("100.64.1.1")}}})
	_, _, err := g.Validate(context.Background(), "http://cgnat.example.com/")
	assert.ErrorIs(t, err, ErrSSRFBlocked)
}

func TestGuard_RejectsDisallowedScheme(t *testing.T) {
	g := NewGuard([]string{"api.example.com"}, fakeResolver{})
	_, _, err := g.Validate(context.Background(), "ftp://api.example.com/")
	assert.ErrorIs(t, err, ErrSSRFBlocked)
}

func TestGuard_RejectsIPv6MappedLoopback(t *testing.T) {
	g := NewGuard([]string{"sneaky.example.com"}, fakeResolver{ips: map[string][]net.IP{"sneaky.example.com": {net.ParseIP("::ffff:127.0.0.1")}}})
	_, _, err := g.Validate(context.Background(), "http://sneaky.example.com/")
	assert.ErrorIs(t, err, ErrSSRFBlocked)
}
