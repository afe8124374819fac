package awis

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// signer produces signature-version-2 request signatures for the Alexa
// Web Information Service query API.
type signer struct {
	accessID string
	secret   string
	now      func() time.Time
}

// signedQuery builds the query string for a batch UrlInfo request over the
// given domains, signed for the given host and path.
func (s *signer) signedQuery(host, path string, domains []string, responseGroups []string) string {
	params := url.Values{}
	params.Set("Action", "UrlInfo")
	params.Set("AWSAccessKeyId", s.accessID)
	params.Set("SignatureMethod", "HmacSHA256")
	params.Set("SignatureVersion", "2")
	params.Set("Timestamp", s.now().UTC().Format("2006-01-02T15:04:05.000Z"))
	params.Set("UrlInfo.Shared.ResponseGroup", strings.Join(responseGroups, ","))
	for i, domain := range domains {
		params.Set(fmt.Sprintf("UrlInfo.%d.Url", i+1), domain)
	}

	canonical := canonicalQuery(params)
	stringToSign := strings.Join([]string{"GET", host, path, canonical}, "\n")

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return canonical + "&Signature=" + url.QueryEscape(signature)
}

// canonicalQuery sorts parameters byte-wise and percent-encodes per RFC 3986.
func canonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, percentEncode(k)+"="+percentEncode(params.Get(k)))
	}
	return strings.Join(pairs, "&")
}

func percentEncode(s string) string {
	encoded := url.QueryEscape(s)
	encoded = strings.ReplaceAll(encoded, "+", "%20")
	encoded = strings.ReplaceAll(encoded, "%7E", "~")
	return encoded
}
