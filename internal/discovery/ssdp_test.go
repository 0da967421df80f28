package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/printgate/internal/device"
)

func notifyPayload(ip, serial, name, model string) []byte {
	lines := []string{
		"NOTIFY * HTTP/1.1",
		"HOST: 239.255.255.250:1990",
		"Server: UPnP/1.0",
		"Location: " + ip,
		"NT: urn:bambulab-com:device:3dprinter:1",
		"NTS: ssdp:alive",
		"USN: " + serial,
		"Cache-Control: max-age=1800",
		"DevModel.bambu.com: " + model,
		"DevName.bambu.com: " + name,
		"DevSignal.bambu.com: -44",
		"DevConnect.bambu.com: lan",
		"DevBind.bambu.com: free",
		"",
	}
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParseNotify(t *testing.T) {
	n, err := ParseNotify(notifyPayload("192.168.1.42", "01P00A123456789", "Workshop P1S", "C12"))
	if err != nil {
		t.Fatalf("ParseNotify() error = %v", err)
	}
	if n.IP.String() != "192.168.1.42" || n.Serial != "01P00A123456789" || n.Name != "Workshop P1S" || n.ModelCode != "C12" {
		t.Errorf("ParseNotify() = %+v", n)
	}

	ann := n.Announcement(time.Now())
	if ann.Kind != device.KindNetwork || ann.Address != "192.168.1.42" || ann.Model != "P1S" {
		t.Errorf("Announcement() = %+v", ann)
	}
	if ann.Meta["serial"] != "01P00A123456789" || ann.Meta["model_code"] != "C12" {
		t.Errorf("Meta = %v", ann.Meta)
	}
	if got := ann.ResolveIdentity(); got != "network:192.168.1.42" {
		t.Errorf("identity = %q", got)
	}
}

func TestParseNotifyErrors(t *testing.T) {
	valid := string(notifyPayload("192.168.1.42", "SER", "P1S", "C12"))
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"search request", strings.Replace(valid, "NOTIFY * HTTP/1.1", "M-SEARCH * HTTP/1.1", 1), ErrNotNotify},
		{"empty", "", ErrNotNotify},
		{"other device", strings.Replace(valid, "urn:bambulab-com:device:3dprinter:1", "urn:schemas-upnp-org:device:MediaServer:1", 1), ErrNotBambu},
		{"no location", strings.Replace(valid, "Location: 192.168.1.42", "X-Other: 1", 1), ErrNoLocation},
		{"bad location", strings.Replace(valid, "Location: 192.168.1.42", "Location: printer.local", 1), ErrBadLocation},
		{"no name", strings.Replace(valid, "DevName.bambu.com: P1S", "", 1), ErrNoDeviceName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNotify([]byte(tt.payload))
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseNotify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseNotifyURLLocation(t *testing.T) {
	payload := strings.Replace(string(notifyPayload("x", "SER", "P1S", "C12")), "Location: x", "Location: http://10.1.2.3:80/desc.xml", 1)
	n, err := ParseNotify([]byte(payload))
	if err != nil {
		t.Fatalf("ParseNotify() error = %v", err)
	}
	if n.IP.String() != "10.1.2.3" {
		t.Errorf("IP = %s", n.IP)
	}
}

func TestSSDPAccept(t *testing.T) {
	allowed := map[string]bool{"SER1": true}
	s := NewSSDPSource(SSDPOptions{
		HasAccessCode: func(_, serial string) bool { return allowed[serial] },
		Repeat:        time.Minute,
	})
	now := time.Now()
	n := Notify{IP: net.ParseIP("10.0.0.5"), Serial: "SER1", Name: "A1"}

	if _, ok := s.accept(n, now); !ok {
		t.Fatal("first notify rejected")
	}
	if _, ok := s.accept(n, now.Add(time.Second)); ok {
		t.Error("repeat within window accepted")
	}
	moved := n
	moved.IP = net.ParseIP("10.0.0.6")
	if _, ok := s.accept(moved, now.Add(2*time.Second)); !ok {
		t.Error("address change suppressed")
	}
	if _, ok := s.accept(moved, now.Add(2*time.Minute)); !ok {
		t.Error("repeat after window suppressed")
	}

	locked := Notify{IP: net.ParseIP("10.0.0.7"), Serial: "SER2", Name: "X1C"}
	if _, ok := s.accept(locked, now); ok {
		t.Error("printer without access code accepted")
	}
}

func TestSSDPServe(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewSSDPSource(SSDPOptions{})
	out := make(chan device.Announcement, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, pc, out) }()

	conn, err := net.Dial("udp4", pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	packets := [][]byte{
		[]byte("M-SEARCH * HTTP/1.1\r\nST: ssdp:all\r\n\r\n"),
		notifyPayload("192.168.1.42", "SER1", "Left", "N2S"),
		notifyPayload("192.168.1.42", "SER1", "Left", "N2S"),
		notifyPayload("192.168.1.43", "SER2", "Right", "BL-P001"),
	}
	for _, p := range packets {
		if _, err := conn.Write(p); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	var got []device.Announcement
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case a := <-out:
			got = append(got, a)
		case <-timeout:
			t.Fatalf("got %d announcements, want 2", len(got))
		}
	}
	if got[0].Name != "Left" || got[0].Model != "A1" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Name != "Right" || got[1].Model != "X1 Carbon" {
		t.Errorf("second = %+v", got[1])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}
