package driver

import (
	"context"
	"os"
	"testing"

	"github.com/container-storage-interface/spec/lib/go/csi"
)

func TestGetPluginInfo(t *testing.T) {
	driver := &Driver{
		name:    "test.csi.driver",
		version: "v1.0.0",
	}

	ids := NewIdentityServer(driver)

	req := &csi.GetPluginInfoRequest{}
	resp, err := ids.GetPluginInfo(context.Background(), req)

	if err != nil {
		t.Fatalf("GetPluginInfo failed: %v", err)
	}

	if resp.Name != "test.csi.driver" {
		t.Errorf("Expected name test.csi.driver, got %s", resp.Name)
	}

	if resp.VendorVersion != "v1.0.0" {
		t.Errorf("Expected version v1.0.0, got %s", resp.VendorVersion)
	}
}

func TestGetPluginInfoNoName(t *testing.T) {
	driver := &Driver{
		name:    "",
		version: "v1.0.0",
	}

	ids := NewIdentityServer(driver)

	req := &csi.GetPluginInfoRequest{}
	_, err := ids.GetPluginInfo(context.Background(), req)

	if err == nil {
		t.Error("Expected error when driver name is empty, got nil")
	}
}

func TestGetPluginCapabilities(t *testing.T) {
	driver := &Driver{
		name:    "test.csi.driver",
		version: "v1.0.0",
	}

	ids := NewIdentityServer(driver)

	req := &csi.GetPluginCapabilitiesRequest{}
	resp, err := ids.GetPluginCapabilities(context.Background(), req)

	if err != nil {
		t.Fatalf("GetPluginCapabilities failed: %v", err)
	}

	// A node-only ephemeral driver must not advertise a controller service
	for _, cap := range resp.Capabilities {
		if cap.GetService() != nil {
			if cap.GetService().Type == csi.PluginCapability_Service_CONTROLLER_SERVICE {
				t.Error("CONTROLLER_SERVICE capability must not be advertised")
			}
		}
	}
}

func TestProbeHealthy(t *testing.T) {
	manager, pool := newTestCollaborators(t)

	driver, err := NewDriver(Config{
		NodeID:  "node-1",
		Manager: manager,
		Pool:    pool,
	})
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}

	ids := NewIdentityServer(driver)

	req := &csi.ProbeRequest{}
	resp, err := ids.Probe(context.Background(), req)

	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}

	if resp.Ready == nil || !resp.Ready.GetValue() {
		t.Error("Expected driver to be ready")
	}
}

func TestProbeMissingPoolRoot(t *testing.T) {
	manager, pool := newTestCollaborators(t)

	driver, err := NewDriver(Config{
		NodeID:  "node-1",
		Manager: manager,
		Pool:    pool,
	})
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}

	// The pool root vanishing means the ephemeral backing is gone
	if err := os.RemoveAll(pool.Root()); err != nil {
		t.Fatalf("Failed to remove pool root: %v", err)
	}

	ids := NewIdentityServer(driver)

	resp, err := ids.Probe(context.Background(), &csi.ProbeRequest{})
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}

	if resp.Ready == nil || resp.Ready.GetValue() {
		t.Error("Expected driver to report not ready")
	}
}
