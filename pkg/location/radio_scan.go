package location

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"googlemaps.github.io/maps"
)

// getWiFiAccessPoints retrieves nearby WiFi access points using nmcli.
func getWiFiAccessPoints(ctx context.Context) ([]maps.WiFiAccessPoint, error) {
	if _, err := exec.LookPath("nmcli"); err != nil {
		return nil, fmt.Errorf("nmcli not found: %w", err)
	}

	// BSSIDs contain colons, nmcli escapes them with a backslash in terse mode
	output, err := exec.CommandContext(ctx, "nmcli", "-t", "-e", "no", "-f", "SIGNAL,BSSID", "dev", "wifi", "list").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run nmcli: %w", err)
	}
	return parseNmcliWiFi(string(output))
}

// parseNmcliWiFi parses "SIGNAL:BSSID" lines.
func parseNmcliWiFi(output string) ([]maps.WiFiAccessPoint, error) {
	var wifiAPs []maps.WiFiAccessPoint
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		signalPart, macAddress, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		macAddress = strings.TrimSpace(macAddress)
		if !isValidMAC(macAddress) {
			continue
		}
		signal, err := strconv.Atoi(strings.TrimSpace(signalPart))
		if err != nil {
			continue
		}
		wifiAPs = append(wifiAPs, maps.WiFiAccessPoint{
			MACAddress:     macAddress,
			SignalStrength: float64(signal),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan nmcli output: %w", err)
	}
	return wifiAPs, nil
}

// getCellTowers retrieves the serving cell tower using mmcli for the given modem index.
func getCellTowers(ctx context.Context, modemIndex int) ([]maps.CellTower, error) {
	if _, err := exec.LookPath("mmcli"); err != nil {
		return nil, fmt.Errorf("mmcli not found: %w", err)
	}

	output, err := exec.CommandContext(ctx, "mmcli", "-m", strconv.Itoa(modemIndex), "--output-keyvalue").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run mmcli for modem %d: %w", modemIndex, err)
	}
	return parseMmcliCell(string(output))
}

// parseMmcliCell extracts the 3GPP identifiers of the serving cell from mmcli key/value output.
func parseMmcliCell(output string) ([]maps.CellTower, error) {
	var cellTower maps.CellTower
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "modem.3gpp.mcc":
			if mcc, err := strconv.Atoi(value); err == nil {
				cellTower.MobileCountryCode = mcc
			}
		case "modem.3gpp.mnc":
			if mnc, err := strconv.Atoi(value); err == nil {
				cellTower.MobileNetworkCode = mnc
			}
		case "modem.3gpp.lac":
			if lac, err := strconv.ParseInt(value, 16, 32); err == nil {
				cellTower.LocationAreaCode = int(lac)
			}
		case "modem.3gpp.cid":
			if cid, err := strconv.ParseInt(value, 16, 64); err == nil {
				cellTower.CellID = int(cid)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan mmcli output: %w", err)
	}
	if cellTower.MobileCountryCode == 0 || cellTower.MobileNetworkCode == 0 {
		return nil, errors.New("incomplete cell tower data")
	}
	return []maps.CellTower{cellTower}, nil
}

// isValidMAC checks if the MAC address is in a valid format (e.g., "00:14:22:01:23:45").
func isValidMAC(mac string) bool {
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return false
	}
	for _, part := range parts {
		if len(part) != 2 {
			return false
		}
		if _, err := strconv.ParseUint(part, 16, 8); err != nil {
			return false
		}
	}
	return true
}
