package location

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/tarm/serial"
)

const (
	// hdopMeters converts HDOP into an approximate horizontal accuracy in meters.
	hdopMeters = 5.0
	// knotsToMps converts the RMC ground speed into meters per second.
	knotsToMps = 0.514444
	// maxLinesAfterGGA bounds how long we wait for a matching RMC sentence.
	maxLinesAfterGGA = 8
)

// ErrNoFix is returned when the receiver produced no usable position.
var ErrNoFix = errors.New("no valid GPS data found")

// DeviceSensorProvider is responsible for retrieving location data from a GPS device connected via serial port.
type DeviceSensorProvider struct {
	port     string // Serial port to which the GPS device is connected
	baudRate int    // Baud rate for the serial communication

	mu     sync.Mutex
	stream io.ReadWriteCloser
	opener func(*serial.Config) (io.ReadWriteCloser, error)
}

// NewDeviceSensorProvider creates a new instance of DeviceSensorProvider with the specified port and baud rate.
func NewDeviceSensorProvider(port string, baudRate int) *DeviceSensorProvider {
	return &DeviceSensorProvider{
		port:     port,
		baudRate: baudRate,
		opener: func(c *serial.Config) (io.ReadWriteCloser, error) {
			return serial.OpenPort(c)
		},
	}
}

// GetLocation reads NMEA sentences from the receiver until a position fix is available.
// The serial port stays open between calls.
func (d *DeviceSensorProvider) GetLocation(ctx context.Context) (Fix, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream == nil {
		s, err := d.opener(&serial.Config{Name: d.port, Baud: d.baudRate, ReadTimeout: 2 * time.Second})
		if err != nil {
			return Fix{}, err
		}
		d.stream = s
	}

	type result struct {
		fix Fix
		err error
	}
	done := make(chan result, 1)
	go func() {
		fix, err := ReadFix(d.stream)
		done <- result{fix, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && !errors.Is(res.err, ErrNoFix) {
			// Reopen on the next call, the port may have been unplugged.
			d.stream.Close()
			d.stream = nil
		}
		return res.fix, res.err
	case <-ctx.Done():
		d.stream.Close()
		d.stream = nil
		return Fix{}, ctx.Err()
	}
}

// Close releases the serial port.
func (d *DeviceSensorProvider) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	err := d.stream.Close()
	d.stream = nil
	return err
}

// ReadFix scans NMEA output and combines the first valid GGA sentence with an RMC
// sentence of the same burst, which carries ground speed and the UTC date.
func ReadFix(r io.Reader) (Fix, error) {
	var (
		gga        *nmea.GGA
		rmc        *nmea.RMC
		linesAfter int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		sentence, err := nmea.Parse(scanner.Text())
		if err != nil {
			continue // Partial lines are common right after the port opens
		}

		switch s := sentence.(type) {
		case nmea.GGA:
			if s.FixQuality != nmea.Invalid {
				gga = &s
			}
		case nmea.RMC:
			if s.Validity == nmea.ValidRMC {
				rmc = &s
			}
		}

		if gga != nil {
			if rmc != nil {
				return combine(*gga, rmc), nil
			}
			linesAfter++
			if linesAfter > maxLinesAfterGGA {
				return combine(*gga, nil), nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return Fix{}, err
	}
	if gga != nil {
		return combine(*gga, rmc), nil
	}
	return Fix{}, ErrNoFix
}

func combine(gga nmea.GGA, rmc *nmea.RMC) Fix {
	fix := Fix{
		Latitude:  gga.Latitude,
		Longitude: gga.Longitude,
		Accuracy:  gga.HDOP * hdopMeters,
	}
	if rmc == nil {
		return fix
	}

	speed := rmc.Speed * knotsToMps
	fix.Speed = &speed
	if rmc.Date.Valid && rmc.Time.Valid {
		fix.Timestamp = time.Date(2000+rmc.Date.YY, time.Month(rmc.Date.MM), rmc.Date.DD,
			rmc.Time.Hour, rmc.Time.Minute, rmc.Time.Second, rmc.Time.Millisecond*int(time.Millisecond), time.UTC)
	}
	return fix
}
