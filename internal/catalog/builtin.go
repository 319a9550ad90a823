package catalog

import "github.com/airone01/isod/internal/naming"

// BuiltinEntries returns the shipped distribution definitions. Overlay
// files can extend or override these.
func BuiltinEntries() []Entry {
	return []Entry{
		{
			Distro:         "ubuntu",
			DisplayName:    "Ubuntu",
			Homepage:       "https://ubuntu.com",
			Ordering:       naming.OrderingNumeric,
			GreedyVariant:  true, // live-server
			Architectures:  []string{"amd64", "arm64"},
			Variants:       []string{"desktop", "server", "live-server"},
			DefaultArch:    "amd64",
			DefaultVariant: "desktop",
			Discovery: Discovery{
				Strategy:       StrategyListing,
				ListingURL:     "https://releases.ubuntu.com/",
				VersionPattern: `href="(\d+\.\d+(?:\.\d+)?)/"`,
			},
			UpstreamPattern: "ubuntu-{version}-{variant}-{arch}.iso",
			DownloadURL:     "https://releases.ubuntu.com/{version}/{filename}",
			MirrorURLs: []string{
				"https://mirror.arizona.edu/ubuntu-releases/{version}/{filename}",
				"https://ftp.halifax.rwth-aachen.de/ubuntu-releases/{version}/{filename}",
			},
			ChecksumURLs: []string{
				"https://releases.ubuntu.com/{version}/SHA256SUMS",
			},
		},
		{
			Distro:         "fedora",
			DisplayName:    "Fedora",
			Homepage:       "https://fedoraproject.org",
			Ordering:       naming.OrderingNumeric,
			Architectures:  []string{"x86_64", "aarch64"},
			Variants:       []string{"workstation", "server", "everything"},
			DefaultArch:    "x86_64",
			DefaultVariant: "workstation",
			Discovery: Discovery{
				Strategy:       StrategyListing,
				ListingURL:     "https://download.fedoraproject.org/pub/fedora/linux/releases/",
				VersionPattern: `href="(\d+)/"`,
			},
			UpstreamPattern: "Fedora-Workstation-Live-{arch}-{version}.iso",
			DownloadURL:     "https://download.fedoraproject.org/pub/fedora/linux/releases/{version}/Workstation/{arch}/iso/{filename}",
			MirrorURLs: []string{
				"https://mirrors.kernel.org/fedora/releases/{version}/Workstation/{arch}/iso/{filename}",
			},
			ChecksumURLs: []string{
				"https://download.fedoraproject.org/pub/fedora/linux/releases/{version}/Workstation/{arch}/iso/Fedora-Workstation-{version}-{arch}-CHECKSUM",
			},
		},
		{
			Distro:         "debian",
			DisplayName:    "Debian",
			Homepage:       "https://www.debian.org",
			Ordering:       naming.OrderingNumeric,
			Architectures:  []string{"amd64", "arm64", "i386"},
			Variants:       []string{"netinst", "dvd", "live"},
			DefaultArch:    "amd64",
			DefaultVariant: "netinst",
			Discovery: Discovery{
				Strategy:       StrategyListing,
				ListingURL:     "https://cdimage.debian.org/debian-cd/",
				VersionPattern: `href="(\d+\.\d+\.\d+)/"`,
			},
			UpstreamPattern: "debian-{version}-{arch}-{variant}.iso",
			DownloadURL:     "https://cdimage.debian.org/debian-cd/{version}/{arch}/iso-cd/{filename}",
			MirrorURLs: []string{
				"https://mirrors.kernel.org/debian-cd/{version}/{arch}/iso-cd/{filename}",
			},
			ChecksumURLs: []string{
				"https://cdimage.debian.org/debian-cd/{version}/{arch}/iso-cd/SHA256SUMS",
			},
		},
		{
			Distro:         "arch",
			DisplayName:    "Arch Linux",
			Homepage:       "https://archlinux.org",
			Ordering:       naming.OrderingDate,
			Architectures:  []string{"x86_64"},
			Variants:       []string{"base"},
			Discovery: Discovery{
				Strategy:       StrategyListing,
				ListingURL:     "https://archive.archlinux.org/iso/",
				VersionPattern: `href="(\d{4}\.\d{2}\.\d{2})/"`,
			},
			UpstreamPattern: "archlinux-{version}-{arch}.iso",
			DownloadURL:     "https://archive.archlinux.org/iso/{version}/{filename}",
			MirrorURLs: []string{
				"https://mirrors.kernel.org/archlinux/iso/{version}/{filename}",
			},
			ChecksumURLs: []string{
				"https://archive.archlinux.org/iso/{version}/sha256sums.txt",
			},
		},
	}
}

// Builtin returns a catalog holding only the shipped entries.
func Builtin() (*Catalog, error) {
	return New(BuiltinEntries()...)
}
