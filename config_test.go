package vmoor

import (
	"encoding/json"
	"testing"
)

func validConfigJSON() []byte {
	return []byte(`{
		"manifest": 1,
		"arch": "x86_64",
		"hostname": "demo",
		"memory": 512,
		"hddmaxsize": 8192,
		"password": "root",
		"portfwd": [[80, 8080]]
	}`)
}

func TestParseConfigValid(t *testing.T) {
	c, err := ParseConfig(validConfigJSON())
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if c.Arch != "x86_64" || c.Memory != 512 {
		t.Errorf("unexpected config: %+v", c)
	}
}

func TestParseConfigAccumulatesErrors(t *testing.T) {
	bad := []byte(`{
		"manifest": 1,
		"arch": "not-a-real-arch",
		"hostname": "x",
		"memory": 0,
		"hddmaxsize": 0,
		"password": "",
		"portfwd": [[22, 8080]]
	}`)
	_, err := ParseConfig(bad)
	if err == nil {
		t.Fatal("ParseConfig: want error")
	}
	ice, ok := err.(*InvalidConfigError)
	if !ok {
		t.Fatalf("got error type %T, want *InvalidConfigError", err)
	}
	if len(ice.Problems) < 4 {
		t.Errorf("got %d problems, want at least 4 accumulated: %v", len(ice.Problems), ice.Problems)
	}
}

func TestParseConfigLegacyUpgrade(t *testing.T) {
	legacy := []byte(`{"arch":"x86_64","arguments":{"m":"500M","drive":"file=hdd.qcow2,format=qcow2"}}`)
	c, err := ParseConfig(legacy)
	if err != nil {
		t.Fatalf("ParseConfig legacy: %v", err)
	}
	if !c.Legacy {
		t.Error("expected Legacy flag to be set on upgraded config")
	}
}

func TestParseConfigRejectsVariantLegacy(t *testing.T) {
	variant := []byte(`{"arch":"x86_64","arguments":{"m":"1G","drive":"file=hdd.qcow2,format=qcow2"}}`)
	_, err := ParseConfig(variant)
	if err == nil {
		t.Fatal("ParseConfig: want error for variant legacy config")
	}
	if _, ok := err.(*UnsupportedLegacyConfigError); !ok {
		t.Errorf("got error type %T, want *UnsupportedLegacyConfigError", err)
	}
}

func TestValidatePortFwdRejectsPort22(t *testing.T) {
	problems := validatePortFwd([][2]int{{22, 2222}})
	if len(problems) == 0 {
		t.Error("want a problem for using reserved port 22")
	}
}

func TestValidatePortFwdRejectsOutOfRange(t *testing.T) {
	problems := validatePortFwd([][2]int{{80, 70000}})
	if len(problems) == 0 {
		t.Error("want a problem for port above 65535")
	}
}

func TestValidatePortFwdRejectsDuplicateHostPort(t *testing.T) {
	problems := validatePortFwd([][2]int{{80, 8080}, {443, 8080}})
	if len(problems) == 0 {
		t.Error("want a problem for duplicate host port")
	}
}

func TestConfigToDictRoundTrip(t *testing.T) {
	c, err := ParseConfig(validConfigJSON())
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	d1, err := c.ToDict()
	if err != nil {
		t.Fatalf("ToDict: %v", err)
	}
	b, err := json.Marshal(d1)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c2, err := ParseConfig(b)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	d2, err := c2.ToDict()
	if err != nil {
		t.Fatalf("ToDict 2: %v", err)
	}
	if len(d1) != len(d2) {
		t.Errorf("round trip mismatch: %v vs %v", d1, d2)
	}
}
