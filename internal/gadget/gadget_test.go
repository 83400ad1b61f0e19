package gadget

import (
	"os"
	"path/filepath"
	"testing"
)

func testDescriptor() Descriptor {
	return Descriptor{
		Name:         "onekvm",
		VendorID:     0x1d6b,
		ProductID:    0x0104,
		Manufacturer: "One-KVM",
		Product:      "One-KVM Composite Device",
		Serial:       "test-0",
	}
}

func stubUDC(name string) func() (string, error) {
	return func() (string, error) { return name, nil }
}

func TestBuildCreatesHIDFunctionsOnly(t *testing.T) {
	root := filepath.Join(t.TempDir(), "onekvm")
	g := newForTest(testDescriptor(), root, stubUDC("dummy_udc.0"))

	if err := g.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, fn := range []string{"hid.kbd", "hid.mouse", "hid.mouseabs", "hid.consumer"} {
		if _, err := os.Stat(filepath.Join(root, "functions", fn)); err != nil {
			t.Fatalf("expected function dir %s: %v", fn, err)
		}
		if _, err := os.Lstat(filepath.Join(root, "configs", "c.1", fn)); err != nil {
			t.Fatalf("expected config symlink for %s: %v", fn, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "functions", "mass_storage.0")); err == nil {
		t.Fatal("mass_storage.0 should not exist when msdEnabled=false")
	}
}

func TestBuildWritesHIDReportAttributes(t *testing.T) {
	root := filepath.Join(t.TempDir(), "onekvm")
	g := newForTest(testDescriptor(), root, stubUDC("dummy_udc.0"))

	if err := g.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	wantLen := map[string]string{
		"hid.kbd":      "8",
		"hid.mouse":    "4",
		"hid.mouseabs": "6",
		"hid.consumer": "2",
	}
	for fn, length := range wantLen {
		fnDir := filepath.Join(root, "functions", fn)

		got, err := os.ReadFile(filepath.Join(fnDir, "report_length"))
		if err != nil {
			t.Fatalf("read %s report_length: %v", fn, err)
		}
		if string(got) != length {
			t.Fatalf("%s report_length = %q, want %q", fn, got, length)
		}

		desc, err := os.ReadFile(filepath.Join(fnDir, "report_desc"))
		if err != nil {
			t.Fatalf("read %s report_desc: %v", fn, err)
		}
		if len(desc) == 0 {
			t.Fatalf("%s report_desc is empty", fn)
		}

		if _, err := os.ReadFile(filepath.Join(fnDir, "protocol")); err != nil {
			t.Fatalf("read %s protocol: %v", fn, err)
		}
		if _, err := os.ReadFile(filepath.Join(fnDir, "subclass")); err != nil {
			t.Fatalf("read %s subclass: %v", fn, err)
		}
	}
}

func TestBuildWithMSDEnabled(t *testing.T) {
	root := filepath.Join(t.TempDir(), "onekvm")
	g := newForTest(testDescriptor(), root, stubUDC("dummy_udc.0"))

	if err := g.Build(true); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "functions", "mass_storage.0")); err != nil {
		t.Fatalf("expected mass_storage.0 function: %v", err)
	}
}

func TestBindWritesUDCAttribute(t *testing.T) {
	root := filepath.Join(t.TempDir(), "onekvm")
	g := newForTest(testDescriptor(), root, stubUDC("dummy_udc.0"))
	if err := g.Build(false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := g.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !g.Bound() {
		t.Fatal("expected Bound() true after Bind")
	}

	data, err := os.ReadFile(filepath.Join(root, "UDC"))
	if err != nil {
		t.Fatalf("read UDC attr: %v", err)
	}
	if string(data) != "dummy_udc.0" {
		t.Fatalf("UDC attr = %q, want dummy_udc.0", data)
	}
}

func TestUnbindClearsUDCAttribute(t *testing.T) {
	root := filepath.Join(t.TempDir(), "onekvm")
	g := newForTest(testDescriptor(), root, stubUDC("dummy_udc.0"))
	_ = g.Build(false)
	_ = g.Bind()

	if err := g.Unbind(); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if g.Bound() {
		t.Fatal("expected Bound() false after Unbind")
	}

	data, _ := os.ReadFile(filepath.Join(root, "UDC"))
	if string(data) != "" {
		t.Fatalf("UDC attr = %q, want empty after Unbind", data)
	}
}

func TestDiscoverUDCNoneFoundFailsBind(t *testing.T) {
	root := filepath.Join(t.TempDir(), "onekvm")
	noUDC := func() (string, error) { return "", ErrNoUDC }
	g := newForTest(testDescriptor(), root, noUDC)
	_ = g.Build(false)

	if err := g.Bind(); err != ErrNoUDC {
		t.Fatalf("err = %v, want ErrNoUDC", err)
	}
}

func TestSetMSDEnabledRebindsLive(t *testing.T) {
	root := filepath.Join(t.TempDir(), "onekvm")
	g := newForTest(testDescriptor(), root, stubUDC("dummy_udc.0"))
	_ = g.Build(false)
	_ = g.Bind()

	if err := g.SetMSDEnabled(true); err != nil {
		t.Fatalf("SetMSDEnabled(true): %v", err)
	}
	if !g.Bound() {
		t.Fatal("expected gadget to be rebound after SetMSDEnabled")
	}
	if _, err := os.Stat(filepath.Join(root, "functions", "mass_storage.0")); err != nil {
		t.Fatalf("expected mass_storage.0 after enabling: %v", err)
	}

	if err := g.SetMSDEnabled(false); err != nil {
		t.Fatalf("SetMSDEnabled(false): %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "functions", "mass_storage.0")); err == nil {
		t.Fatal("mass_storage.0 should be removed after disabling")
	}
}
