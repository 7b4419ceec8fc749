// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
	"golang.org/x/sync/singleflight"
)

// MongoDBAWS is the mechanism name for authenticating against AWS-IAM
// credentials (spec.md §4.4 "MONGODB-AWS").
const MongoDBAWS = "MONGODB-AWS"

const defaultSTSHost = "sts.amazonaws.com"

// awsCredentials is the resolved set of AWS-IAM credentials used to sign
// the STS request, mirroring credentials.Value's fields.
type awsCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

func (c awsCredentials) empty() bool { return c.AccessKeyID == "" || c.SecretAccessKey == "" }

// awsCredentialProvider returns the static credentials when both key fields
// are set, and otherwise reads them from the AWS_* environment variables.
// Concurrent environment lookups are collapsed with a singleflight.Group;
// the result is not cached, so every later call reads the environment again.
type awsCredentialProvider struct {
	static awsCredentials
	group  singleflight.Group
}

func (p *awsCredentialProvider) resolve() (awsCredentials, error) {
	if !p.static.empty() {
		return p.static, nil
	}
	v, err, _ := p.group.Do("resolve", func() (interface{}, error) {
		creds := awsCredentials{
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		}
		if creds.empty() {
			return awsCredentials{}, errors.New("no AWS credentials available from static config or environment")
		}
		return creds, nil
	})
	if err != nil {
		return awsCredentials{}, err
	}
	return v.(awsCredentials), nil
}

func newMongoDBAWSAuthenticator(cred *Cred) (Authenticator, error) {
	if cred.Source != "" && cred.Source != "$external" {
		return nil, newAuthError(MongoDBAWS, errors.New("MONGODB-AWS source must be empty or $external"))
	}
	return &mongoDBAWSAuthenticator{
		provider: &awsCredentialProvider{
			static: awsCredentials{
				AccessKeyID:     cred.Username,
				SecretAccessKey: cred.Password,
				SessionToken:    cred.AuthMechanismProperties["AWS_SESSION_TOKEN"],
			},
		},
	}, nil
}

// mongoDBAWSAuthenticator signs an STS GetCallerIdentity request with the
// resolved AWS credentials and exchanges it for server acceptance over the
// standard SASL envelope.
type mongoDBAWSAuthenticator struct {
	provider *awsCredentialProvider
	nonce    []byte
}

func (a *mongoDBAWSAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	return ConductSaslConversation(ctx, cfg, "$external", a)
}

func (a *mongoDBAWSAuthenticator) Start() (string, []byte, error) {
	a.nonce = make([]byte, 32)
	if _, err := rand.Read(a.nonce); err != nil {
		return MongoDBAWS, nil, err
	}
	payload := bsoncore.NewDocumentBuilder().
		AppendBinary("r", 0x00, a.nonce).
		AppendInt32("p", int32('n')).
		Build()
	return MongoDBAWS, payload, nil
}

func (a *mongoDBAWSAuthenticator) Next(challenge []byte) ([]byte, error) {
	doc := bsoncore.Document(challenge)
	serverNonceVal, err := doc.LookupErr("s")
	if err != nil {
		return nil, err
	}
	_, serverNonce, ok := serverNonceVal.BinaryOK()
	if !ok {
		return nil, errors.New("malformed server nonce")
	}
	if !strings.HasPrefix(string(serverNonce), string(a.nonce)) {
		return nil, errors.New("server nonce does not extend client nonce")
	}

	hostVal, err := doc.LookupErr("h")
	if err != nil {
		return nil, err
	}
	host, ok := hostVal.StringValueOK()
	if !ok || host == "" {
		host = defaultSTSHost
	}

	creds, err := a.provider.resolve()
	if err != nil {
		return nil, err
	}

	authHeader, amzDate, err := signSTSRequest(creds, host, serverNonce)
	if err != nil {
		return nil, err
	}

	builder := bsoncore.NewDocumentBuilder().
		AppendString("a", authHeader).
		AppendString("d", amzDate)
	if creds.SessionToken != "" {
		builder = builder.AppendString("t", creds.SessionToken)
	}
	return builder.Build(), nil
}

func (a *mongoDBAWSAuthenticator) Completed() bool { return true }

// signSTSRequest produces the Authorization header and X-Amz-Date for a
// POST https://<host>/?Action=GetCallerIdentity&Version=2011-06-15 request
// signed with AWS Signature Version 4, binding the server nonce via the
// X-MongoDB-Server-Nonce header as the MONGODB-AWS spec requires.
func signSTSRequest(creds awsCredentials, host string, serverNonce []byte) (authHeader, amzDate string, err error) {
	now := time.Now().UTC()
	amzDate = now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	const (
		method  = "POST"
		uri     = "/"
		query   = ""
		region  = "us-east-1"
		service = "sts"
		body    = "Action=GetCallerIdentity&Version=2011-06-15"
	)

	nonceB64 := hex.EncodeToString(serverNonce)
	headers := map[string]string{
		"content-type":                "application/x-www-form-urlencoded",
		"host":                        host,
		"x-amz-date":                  amzDate,
		"x-mongodb-gs2-cb-flag":       "n",
		"x-mongodb-server-nonce":      nonceB64,
	}
	if creds.SessionToken != "" {
		headers["x-amz-security-token"] = creds.SessionToken
	}

	signedHeaders, canonicalHeaders := canonicalizeHeaders(headers)
	payloadHash := sha256Hex([]byte(body))

	canonicalRequest := strings.Join([]string{
		method, uri, query, canonicalHeaders, signedHeaders, payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, region, service)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(creds.SecretAccessKey, dateStamp, region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	authHeader = fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		creds.AccessKeyID, credentialScope, signedHeaders, signature,
	)
	return authHeader, amzDate, nil
}

func canonicalizeHeaders(headers map[string]string) (signedHeaders, canonicalHeaders string) {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sortStrings(names)

	var sb strings.Builder
	for _, k := range names {
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(headers[k])
		sb.WriteByte('\n')
	}
	return strings.Join(names, ";"), sb.String()
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func deriveSigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}
