package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/rendis/rowscript/internal/synth"
)

// Fingerprint identifies a compiled unit: equal fingerprints compile to
// behaviorally identical programs. It covers the dialect, the toolchain
// version, the field declarations, the synthesized source and every classpath
// entry, including the content of entries that are readable files.
func Fingerprint(u *synth.Unit, toolchainVersion string) string {
	h := sha256.New()
	field := func(s string) {
		io.WriteString(h, s)
		h.Write([]byte{0})
	}
	field(string(u.Dialect))
	field(toolchainVersion)
	field(u.Declarations())
	field(u.Source)
	for _, entry := range u.Classpath {
		field(entry)
		field(fileDigest(entry))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// fileDigest hashes the content of path, or returns "" when it is not a
// readable regular file.
func fileDigest(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if st, err := f.Stat(); err != nil || !st.Mode().IsRegular() {
		return ""
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
