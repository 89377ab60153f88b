package cert

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	rootCertFile = "ca.pem"
	rootKeyFile  = "ca-key.pem"
)

// loadRoot はdir配下のルート証明書と鍵を読み込む.
// ファイルが存在しない場合は (nil, nil, nil) を返す.
func loadRoot(dir string) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := readFile(dir, rootCertFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := readFile(dir, rootKeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read root key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("%s: no certificate block", rootCertFile)
	}
	root, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root certificate: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("%s: no key block", rootKeyFile)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root key: %w", err)
	}
	key, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("root key of type %T cannot sign", parsed)
	}
	return root, key, nil
}

// saveRoot はルート証明書と鍵をPEMで保存する. 鍵ファイルは0600で作成する.
func saveRoot(dir string, certDER []byte, key crypto.Signer) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal root key: %w", err)
	}
	if err := writeFile(dir, rootKeyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		return err
	}
	return writeFile(dir, rootCertFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0644)
}

func getFilePath(dir, name string) string {
	return filepath.Join(dir, name)
}

func readFile(dir, name string) ([]byte, error) {
	return os.ReadFile(getFilePath(dir, name))
}

// writeFile は一時ファイル経由で置き換える
func writeFile(dir, name string, data []byte, perm os.FileMode) error {
	tmp := getFilePath(dir, name) + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, getFilePath(dir, name))
}
