package firmware

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/crypto/blake2b"
)

// cloudBaseURLEnvVar overrides the firmware-lookup base URL via an
// environment variable.
const cloudBaseURLEnvVar = "JACQUARD_CLOUD_BASE_URL"

const defaultCloudBaseURL = "https://firmware.jacquard.example.com"

// DeviceFirmwareParams carries the query parameters the cloud firmware
// lookup sends.
type DeviceFirmwareParams struct {
	VendorID       uint32
	ProductID      uint32
	CurrentVersion string // "MMmmmPPP", see EncodeVersion
	ComponentID    uint32
	CountryCode    string
	PlatformTag    string
	SDKVersion     string
	TagVersion     string
}

// CloudClient is the injected firmware-lookup capability.
type CloudClient interface {
	GetDeviceFirmware(ctx context.Context, params DeviceFirmwareParams) (*DFUUpdateInfo, error)
	DownloadImage(ctx context.Context, url string) ([]byte, error)
}

// EncodeVersion renders major/minor/micro as the decimal string
// "MMmmmPPP": major with no padding, minor and micro
// zero-padded to 3 digits each.
func EncodeVersion(major, minor, micro uint8) string {
	return fmt.Sprintf("%d%03d%03d", major, minor, micro)
}

// httpCloudClient is the default HTTP-backed CloudClient implementation.
type httpCloudClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCloudClient constructs the default CloudClient. baseURL is
// resolved from JACQUARD_CLOUD_BASE_URL if set, else a built-in default.
func NewHTTPCloudClient(httpClient *http.Client) CloudClient {
	base := os.Getenv(cloudBaseURLEnvVar)
	if base == "" {
		base = defaultCloudBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &httpCloudClient{baseURL: base, client: httpClient}
}

type deviceFirmwareResponse struct {
	Date        string  `json:"date"`
	Version     string  `json:"version"`
	Status      string  `json:"status"`
	VendorID    uint32  `json:"vid"`
	ProductID   uint32  `json:"pid"`
	ModuleID    *uint32 `json:"mid"`
	DownloadURL string  `json:"downloadUrl"`
}

func (c *httpCloudClient) GetDeviceFirmware(ctx context.Context, p DeviceFirmwareParams) (*DFUUpdateInfo, error) {
	q := url.Values{}
	q.Set("vid", fmt.Sprintf("%d", p.VendorID))
	q.Set("pid", fmt.Sprintf("%d", p.ProductID))
	q.Set("currentVersion", p.CurrentVersion)
	q.Set("componentId", obfuscateComponentID(p.ComponentID))
	q.Set("countryCode", p.CountryCode)
	q.Set("platform", p.PlatformTag)
	q.Set("sdkVersion", p.SDKVersion)
	q.Set("tagVersion", p.TagVersion)

	reqURL := c.baseURL + "/v1/device-firmware?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("firmware: device-firmware lookup returned %d", resp.StatusCode)
	}
	var body deviceFirmwareResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	date, _ := time.Parse(time.RFC3339, body.Date)
	return &DFUUpdateInfo{
		Date:        date,
		Version:     body.Version,
		Status:      parseUpdateStatus(body.Status),
		VendorID:    body.VendorID,
		ProductID:   body.ProductID,
		ModuleID:    body.ModuleID,
		DownloadURL: body.DownloadURL,
	}, nil
}

func (c *httpCloudClient) DownloadImage(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("firmware: image download returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func parseUpdateStatus(s string) UpdateStatus {
	switch s {
	case "mandatory":
		return StatusMandatory
	case "optional":
		return StatusOptional
	default:
		return StatusNone
	}
}

// obfuscateComponentID hashes a component id with blake2b so the value sent
// to the cloud lookup never carries the raw identifier on the wire.
func obfuscateComponentID(id uint32) string {
	var buf [4]byte
	buf[0] = byte(id >> 24)
	buf[1] = byte(id >> 16)
	buf[2] = byte(id >> 8)
	buf[3] = byte(id)
	sum := blake2b.Sum256(buf[:])
	return hex.EncodeToString(sum[:8])
}
