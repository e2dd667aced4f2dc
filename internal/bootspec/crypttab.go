package bootspec

import (
	"bufio"
	"io"
	"log"
	"os"
	"strings"
)

// Encryption discriminates the encrypted-volume types a crypttab entry can
// name. Only Luks is accepted today.
type Encryption int

const (
	Luks Encryption = iota
)

// Unlock is how an encrypted device's key material is obtained.
type Unlock struct {
	AskPassphrase bool
	KeyfilePath   string // set when AskPassphrase is false
}

// EncryptedDevice is one parsed crypttab entry.
type EncryptedDevice struct {
	Name       string
	Identifier Identifier
	Encryption Encryption
	Unlock     Unlock
}

// ParseCrypttab reads a crypttab-format file: four whitespace-separated
// fields per line (name, identifier, type, unlock-spec), '#' comments, blank
// lines ignored. Lines with fewer than four fields are skipped with a
// warning rather than aborting the parse, so one malformed entry doesn't
// cost every other device its chance to unlock. A missing file is not an
// error — the caller gets no encrypted devices.
func ParseCrypttab(path string) ([]EncryptedDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return parseCrypttab(f)
}

func parseCrypttab(r io.Reader) ([]EncryptedDevice, error) {
	var devices []EncryptedDevice
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			log.Printf("crypttab: malformed line %q, skipping", line)
			continue
		}
		if fields[2] != "luks" {
			log.Printf("crypttab: unsupported encryption type %q for %q, skipping", fields[2], fields[0])
			continue
		}
		unlock := Unlock{AskPassphrase: true}
		if fields[3] != "none" {
			unlock = Unlock{KeyfilePath: fields[3]}
		}
		devices = append(devices, EncryptedDevice{
			Name:       fields[0],
			Identifier: ParseIdentifier(fields[1]),
			Encryption: Luks,
			Unlock:     unlock,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return devices, nil
}
