package resolver

import (
	"strings"
	"testing"
)

const digestA = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"
const digestB = "0000000000000000000000000000000000000000000000000000000000000001"

func TestParseSumsCoreutilsFormat(t *testing.T) {
	content := digestB + "  other.iso\n" + digestA + "  ubuntu-24.04-desktop-amd64.iso\n"
	got, err := ParseSums([]byte(content), "ubuntu-24.04-desktop-amd64.iso", "sha256")
	if err != nil {
		t.Fatal(err)
	}
	if got != digestA {
		t.Errorf("digest = %q, want %q", got, digestA)
	}
}

func TestParseSumsBinaryMarker(t *testing.T) {
	content := digestA + " *ubuntu-24.04-desktop-amd64.iso\n"
	got, err := ParseSums([]byte(content), "ubuntu-24.04-desktop-amd64.iso", "sha256")
	if err != nil {
		t.Fatal(err)
	}
	if got != digestA {
		t.Errorf("digest = %q", got)
	}
}

func TestParseSumsColonFormat(t *testing.T) {
	content := "# Fedora CHECKSUM file\nimg.iso: " + digestA + "\n"
	got, err := ParseSums([]byte(content), "img.iso", "sha256")
	if err != nil {
		t.Fatal(err)
	}
	if got != digestA {
		t.Errorf("digest = %q", got)
	}
}

func TestParseSumsMatchesOnBaseName(t *testing.T) {
	content := digestA + "  ./iso/ubuntu-24.04-desktop-amd64.iso\n"
	got, err := ParseSums([]byte(content), "ubuntu-24.04-desktop-amd64.iso", "sha256")
	if err != nil {
		t.Fatal(err)
	}
	if got != digestA {
		t.Errorf("digest = %q", got)
	}
}

func TestParseSumsNormalizesCase(t *testing.T) {
	content := strings.ToUpper(digestA) + "  img.iso\n"
	got, err := ParseSums([]byte(content), "img.iso", "sha256")
	if err != nil {
		t.Fatal(err)
	}
	if got != digestA {
		t.Errorf("digest = %q, want lowercase", got)
	}
}

func TestParseSumsMissingEntry(t *testing.T) {
	content := digestA + "  other.iso\n"
	if _, err := ParseSums([]byte(content), "img.iso", "sha256"); err == nil {
		t.Error("expected error for missing entry")
	}
}

func TestParseSumsRejectsWrongDigestLength(t *testing.T) {
	content := "deadbeef  img.iso\n"
	if _, err := ParseSums([]byte(content), "img.iso", "sha256"); err == nil {
		t.Error("expected truncated digest to be ignored")
	}
}

func TestParseSumsUnknownAlgo(t *testing.T) {
	if _, err := ParseSums([]byte(""), "img.iso", "md5"); err == nil {
		t.Error("expected unsupported algorithm error")
	}
}
