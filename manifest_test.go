package vmoor

import "testing"

func TestParseManifestAptPkgsAsString(t *testing.T) {
	data := []byte(`{
		"manifest": 1,
		"arch": "x86_64",
		"hostname": "demo",
		"memory": 512,
		"hddmaxsize": 8192,
		"password": "root",
		"aptpkgs": "vim curl git"
	}`)
	m, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(m.AptPkgs) != 3 {
		t.Errorf("got %v, want 3 packages", m.AptPkgs)
	}
}

func TestParseManifestAptPkgsAsList(t *testing.T) {
	data := []byte(`{
		"manifest": 1,
		"arch": "x86_64",
		"hostname": "demo",
		"memory": 512,
		"hddmaxsize": 8192,
		"password": "root",
		"aptpkgs": ["vim", "curl"]
	}`)
	m, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(m.AptPkgs) != 2 {
		t.Errorf("got %v, want 2 packages", m.AptPkgs)
	}
}

func TestParseManifestUnknownVersion(t *testing.T) {
	data := []byte(`{"manifest": 99, "arch": "x86_64"}`)
	_, err := ParseManifest(data)
	if err == nil {
		t.Fatal("ParseManifest: want error for unknown manifest version")
	}
}

func TestParseManifestGeneratesPasswordWhenMissing(t *testing.T) {
	data := []byte(`{
		"manifest": 1,
		"arch": "x86_64",
		"hostname": "demo",
		"memory": 512,
		"hddmaxsize": 8192
	}`)
	m, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(m.Password) != 30 {
		t.Errorf("got password length %d, want 30", len(m.Password))
	}
}

func TestParseManifestRejectsUnsupportedRelease(t *testing.T) {
	data := []byte(`{
		"manifest": 1,
		"arch": "x86_64",
		"hostname": "demo",
		"memory": 512,
		"hddmaxsize": 8192,
		"password": "root",
		"release": "warty"
	}`)
	_, err := ParseManifest(data)
	if err == nil {
		t.Fatal("ParseManifest: want error for unsupported release")
	}
}

func TestParseManifestYAML(t *testing.T) {
	data := []byte("manifest: 1\narch: x86_64\nhostname: demo\nmemory: 512\nhddmaxsize: 8192\npassword: root\n")
	m, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest yaml: %v", err)
	}
	if m.Arch != "x86_64" {
		t.Errorf("got arch %q, want x86_64", m.Arch)
	}
}
