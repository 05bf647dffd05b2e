package evoapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smarthome-bridges/haier-evo/internal/pkg/evoauth"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/logging"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/transport"
)

const (
	DefaultDashboardURL = "https://evo.haieronline.ru/v2/ru/pages/sduiRawPaginated/smartHome?part=1&partitionWeight=6"
	DefaultStatusURL    = "https://iot-platform.evo.haieronline.ru/mobile-backend-service/api/v1/config/%s?type=DETAILED"

	// identifies the smart-devices panel among the other dashboard widgets
	smartDevicesComponentID = "72a6d224-cb66-4e6d-b427-2e4609252684"
	deviceListContract      = "deviceList"
)

// DiscoveryError means the device catalog could not be obtained or parsed.
// Fatal for startup: without devices there is nothing to serve.
type DiscoveryError struct {
	cause error
}

func (e *DiscoveryError) Error() string {
	return "device discovery failed: " + e.cause.Error()
}

func (e *DiscoveryError) Unwrap() error {
	return e.cause
}

type Live struct {
	client       *transport.Client
	auth         *evoauth.Manager
	dashboardURL string
	statusURL    string
}

func NewLiveClient(client *transport.Client, auth *evoauth.Manager) *Live {
	return &Live{
		client:       client,
		auth:         auth,
		dashboardURL: DefaultDashboardURL,
		statusURL:    DefaultStatusURL,
	}
}

func (c *Live) WithDashboardURL(u string) *Live {
	nc := *c
	nc.dashboardURL = u
	return &nc
}

func (c *Live) WithStatusURL(u string) *Live {
	nc := *c
	nc.statusURL = u
	return &nc
}

type dashboardResponse struct {
	Data struct {
		Presentation struct {
			Layout struct {
				ScrollContainer []scrollItem `json:"scrollContainer"`
			} `json:"layout"`
		} `json:"presentation"`
	} `json:"data"`
}

type scrollItem struct {
	ContractName string `json:"contractName"`
	TrackingData struct {
		Component struct {
			ComponentID string `json:"componentId"`
		} `json:"component"`
	} `json:"trackingData"`

	// itself a JSON document, encoded as a string
	State string `json:"state"`
}

type deviceListState struct {
	Items []struct {
		Title  string `json:"title"`
		Action struct {
			Link string `json:"link"`
		} `json:"action"`
	} `json:"items"`
}

// Discover fetches the dashboard layout and extracts the smart-devices
// panel.  Individual device entries that fail to parse are skipped; an
// unusable document is a DiscoveryError.
func (c *Live) Discover(ctx context.Context) ([]Device, error) {
	if err := c.auth.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	logging.Logger(ctx).Infof("Getting devices, url: %s", c.dashboardURL)

	resp, err := c.client.Do(ctx, http.MethodGet, c.dashboardURL,
		transport.WithHeader("X-Auth-Token", c.auth.AccessToken()),
		transport.WithHeader("User-Agent", "evo-mobile"),
		transport.WithHeader("Device-Id", uuid.New().String()),
		transport.WithHeader("Content-Type", "application/json"),
	)
	if err != nil {
		return nil, &DiscoveryError{cause: err}
	}
	if !resp.IsJSON() {
		return nil, &DiscoveryError{cause: errors.Errorf("expected JSON response, got %q", resp.Header.Get("Content-Type"))}
	}

	doc := dashboardResponse{}
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return nil, &DiscoveryError{cause: errors.Wrap(err, "decoding dashboard document")}
	}

	containers := doc.Data.Presentation.Layout.ScrollContainer
	if len(containers) == 0 {
		return nil, &DiscoveryError{cause: errors.New("dashboard document has no scrollContainer")}
	}

	for _, item := range containers {
		if item.ContractName != deviceListContract || item.TrackingData.Component.ComponentID != smartDevicesComponentID {
			continue
		}

		state := deviceListState{}
		if err := json.Unmarshal([]byte(item.State), &state); err != nil {
			return nil, &DiscoveryError{cause: errors.Wrap(err, "decoding device list state")}
		}

		devices := make([]Device, 0, len(state.Items))
		for _, d := range state.Items {
			dev, err := parseDeviceLink(d.Action.Link, d.Title)
			if err != nil {
				logging.Logger(ctx).WithError(err).Warnf("Skipping unparseable device entry %q", d.Title)
				continue
			}
			logging.Logger(ctx).Infof("Discovered device %q, mac %s, serial %s", dev.Title, dev.MAC, dev.Serial)
			devices = append(devices, dev)
		}

		return devices, nil
	}

	return nil, &DiscoveryError{cause: errors.New("smart devices panel not found in dashboard")}
}

// parseDeviceLink recovers the MAC and serial from a deep link of the form
// haierevo://device?deviceId=12%3A34%3A56%3A78%3A90%3A68&type=REF&serialNum=...
func parseDeviceLink(link, title string) (Device, error) {
	parsed, err := url.Parse(link)
	if err != nil {
		return Device{}, errors.Wrapf(err, "parsing device link %q", link)
	}

	query := parsed.Query()
	mac := query.Get("deviceId")
	// the app double-escapes colons; undo the fixed %3A escaping
	mac = strings.ReplaceAll(mac, "%3A", ":")
	if mac == "" {
		return Device{}, errors.Errorf("no deviceId in link %q", link)
	}

	return Device{
		MAC:    mac,
		Serial: query.Get("serialNum"),
		Title:  title,
	}, nil
}

// Status fetches the point-in-time status for one device.  One-shot: no
// retry policy beyond the transport's own classification.
func (c *Live) Status(ctx context.Context, mac string) (*Status, error) {
	if err := c.auth.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	statusURL := fmt.Sprintf(c.statusURL, url.PathEscape(mac))
	logging.Logger(ctx).Infof("Getting status of device %s, url: %s", mac, statusURL)

	resp, err := c.client.Do(ctx, http.MethodGet, statusURL,
		transport.WithHeader("X-Auth-Token", c.auth.AccessToken()),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching status for %s", mac)
	}

	status := Status{}
	if err := json.Unmarshal(resp.Body, &status); err != nil {
		return nil, errors.Wrapf(err, "decoding status for %s", mac)
	}

	return &status, nil
}
