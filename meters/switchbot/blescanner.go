package switchbot

import (
	"context"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/meters/meters"
)

// BleScanner listens for advertisements with go-ble. The adapter is opened for every scan
// and released afterwards, so a wedged adapter is reset on the next cycle.
type BleScanner struct {
	Retries int

	// defaults to the linux HCI device
	NewDevice func() (ble.Device, error)
}

func (scanner *BleScanner) Scan(ctx context.Context, duration time.Duration, handle func(meters.Discovery)) error {
	retries := scanner.Retries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		lastErr = scanner.scan(ctx, duration, handle)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i+1 < retries {
			log.Errorf("retrying error in scan: %s", lastErr)
		}
	}

	return &meters.ScanFacilityError{Err: errors.Wrap(lastErr, "all retries to scan failed")}
}

func (scanner *BleScanner) scan(ctx context.Context, duration time.Duration, handle func(meters.Discovery)) error {
	device, err := scanner.newDevice()
	if err != nil {
		return errors.Wrap(err, "failed to open ble")
	}
	defer func() {
		if err := device.Stop(); err != nil {
			log.Debugf("failed to stop ble device: %s", err)
		}
	}()

	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	err = scanAndDeliver(scanCtx, device, handle)
	switch errors.Cause(err) {
	case nil:
	case context.DeadlineExceeded:
	case context.Canceled:
		return errors.Wrap(err, "scan for devices cancelled")
	default:
		return errors.Wrap(err, "failed to scan for devices")
	}
	return nil
}

// scanAndDeliver calls handle on the calling goroutine only, one discovery at a time.
// The linux device runs its advertisement handler in a new goroutine per advertisement and
// does not wait for them, so discoveries are queued and drained here. Advertisements arriving
// after device.Scan returned are dropped, and handle is never called after scanAndDeliver returns.
func scanAndDeliver(ctx context.Context, device ble.Device, handle func(meters.Discovery)) error {
	var (
		mu       sync.Mutex
		closed   bool
		inflight sync.WaitGroup
	)
	discoveries := make(chan meters.Discovery, 64)

	adHandler := func(a ble.Advertisement) {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		inflight.Add(1)
		mu.Unlock()
		defer inflight.Done()

		discoveries <- toDiscovery(a)
	}

	scanErr := make(chan error, 1)
	go func() {
		err := device.Scan(ctx, true, adHandler)

		mu.Lock()
		closed = true
		mu.Unlock()
		inflight.Wait()
		close(discoveries)

		scanErr <- err
	}()

	for discovery := range discoveries {
		handle(discovery)
	}
	return <-scanErr
}

func (scanner *BleScanner) newDevice() (ble.Device, error) {
	if scanner.NewDevice != nil {
		return scanner.NewDevice()
	}
	return linux.NewDevice()
}

func toDiscovery(a ble.Advertisement) meters.Discovery {
	discovery := meters.Discovery{
		Address:     a.Addr().String(),
		RSSI:        a.RSSI(),
		Connectable: a.Connectable(),
	}
	for _, sd := range a.ServiceData() {
		id, description := serviceDataType(sd.UUID)
		value := make([]byte, 0, len(sd.UUID)+len(sd.Data))
		value = append(value, sd.UUID...)
		value = append(value, sd.Data...)
		discovery.ServiceData = append(discovery.ServiceData, meters.ServiceData{
			ID:          id,
			Description: description,
			Value:       value,
		})
	}
	return discovery
}

// AD types and names of the service data records, by UUID width.
func serviceDataType(uuid ble.UUID) (int, string) {
	switch uuid.Len() {
	case 4:
		return 0x20, "32b Service Data"
	case 16:
		return 0x21, "128b Service Data"
	default:
		return 0x16, "16b Service Data"
	}
}
