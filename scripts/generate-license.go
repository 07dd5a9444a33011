// Package main is a development utility for minting offline license tokens.
// It generates a random platform license key, wraps it in a signed offline
// token bound to a module name and expiry, and prints a ready-to-paste
// install request body. Tokens minted here only validate against the default
// development signing anchor — production licenses come from the platform's
// licensing service.
package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"
)

const base32Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

type payload struct {
	LicenseKey string    `json:"license_key"`
	ModuleName string    `json:"module_name"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func randomGroup() string {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		log.Fatal(err)
	}
	out := make([]byte, 5)
	for i, b := range buf {
		out[i] = base32Alphabet[int(b)%len(base32Alphabet)]
	}
	return string(out)
}

func main() {
	moduleName := flag.String("module", "weather-station", "module name the license is bound to")
	days := flag.Int("days", 365, "validity in days")
	anchor := flag.String("anchor", "agricore-module-license-v1", "signing anchor")
	flag.Parse()

	key := fmt.Sprintf("PLF-%s-%s-%s-%s", randomGroup(), randomGroup(), randomGroup(), randomGroup())

	body, err := json.Marshal(payload{
		LicenseKey: key,
		ModuleName: *moduleName,
		ExpiresAt:  time.Now().AddDate(0, 0, *days),
	})
	if err != nil {
		log.Fatal(err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(body)
	mac := hmac.New(sha256.New, []byte(*anchor))
	mac.Write([]byte(encoded))
	token := encoded + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	fmt.Println("==========================================================")
	fmt.Println("Offline License Token Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nModule:      %s\n", *moduleName)
	fmt.Printf("License Key: %s\n", key)
	fmt.Printf("Expires:     %s\n", time.Now().AddDate(0, 0, *days).Format(time.RFC3339))
	fmt.Printf("\nToken:\n%s\n", token)
	fmt.Println("\n==========================================================")
	fmt.Println("Install request body:")
	fmt.Println("==========================================================")
	fmt.Printf(`
{
  "name": "%s",
  "docker_image": "agricore/%s:1.0.0",
  "version": "1.0.0",
  "license_key": "%s",
  "route_prefix": "/modules/%s"
}
`, *moduleName, *moduleName, token, *moduleName)
}
