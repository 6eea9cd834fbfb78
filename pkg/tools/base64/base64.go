package base64

import (
	"bufio"
	"encoding/base64"
	"io/ioutil"
	"os"
)

// EncodePackage encodes a code package file into base64 for the store.
func EncodePackage(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	reader := bufio.NewReader(f)
	content, err := ioutil.ReadAll(reader)
	if err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString(content)
	return encoded, nil
}

// DecodeToFile writes a base64 payload fetched from the store to name.
func DecodeToFile(encoded string, name string) error {
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(name, content, 0600)
}
