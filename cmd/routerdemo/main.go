//go:build linux && !baremetal

// Command routerdemo wires a router.Router to two Linux TAP devices: one
// playing the router's external interface, one its internal (NAT) side.
// It exists to give the router package something runnable; the testbed
// transport it would normally sit behind is out of scope here.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vnetbed/router/iface"
	"github.com/vnetbed/router/internal/xtap"
	"github.com/vnetbed/router/metrics"
	"github.com/vnetbed/router/router"
	"github.com/vnetbed/router/routing"
)

func main() {
	extName := flag.String("ext-tap", "tap-ext", "name of the external TAP device")
	extAddr := flag.String("ext-addr", "203.0.113.1/24", "external interface address")
	intName := flag.String("int-tap", "eth1", "name of the internal TAP device (must be named eth1)")
	intAddr := flag.String("int-addr", "10.0.0.1/24", "internal interface address")
	nat := flag.Bool("nat", true, "enable the NAPT gateway")
	metricsAddr := flag.String("metrics-addr", ":9100", "address to serve /metrics on")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	extPrefix, err := netip.ParsePrefix(*extAddr)
	if err != nil {
		log.Error("bad -ext-addr", "err", err)
		os.Exit(1)
	}
	intPrefix, err := netip.ParsePrefix(*intAddr)
	if err != nil {
		log.Error("bad -int-addr", "err", err)
		os.Exit(1)
	}

	extDev, err := xtap.Open(*extName, extPrefix)
	if err != nil {
		log.Error("opening external tap", "err", err)
		os.Exit(1)
	}
	defer extDev.Close()
	intDev, err := xtap.Open(*intName, intPrefix)
	if err != nil {
		log.Error("opening internal tap", "err", err)
		os.Exit(1)
	}
	defer intDev.Close()

	extMAC, err := extDev.HardwareAddr6()
	if err != nil {
		log.Error("reading external tap hwaddr", "err", err)
		os.Exit(1)
	}
	intMAC, err := intDev.HardwareAddr6()
	if err != nil {
		log.Error("reading internal tap hwaddr", "err", err)
		os.Exit(1)
	}

	ifaces := []iface.Interface{
		{Name: extDev.Name(), MAC: extMAC, IPv4: extPrefix.Addr().As4()},
		{Name: intDev.Name(), MAC: intMAC, IPv4: intPrefix.Addr().As4()},
	}
	// Each TAP link in this demo is point-to-point: the single peer on it
	// is conventionally the next address after the router's own.
	routes := []routing.Route{
		{Dest: intPrefix.Masked().Addr().As4(), Mask: prefixMask(intPrefix), Gateway: nextAddr(intPrefix.Addr()), InterfaceName: intDev.Name()},
		{Dest: extPrefix.Masked().Addr().As4(), Mask: prefixMask(extPrefix), Gateway: nextAddr(extPrefix.Addr()), InterfaceName: extDev.Name()},
	}

	reg := prometheus.NewRegistry()
	sender := &tapSender{devices: map[string]*xtap.Device{extDev.Name(): extDev, intDev.Name(): intDev}}

	r, err := router.New(router.Config{
		NATEnabled: *nat,
		Sender:     sender,
		Logger:     log,
		Metrics:    metrics.New(reg),
	}, ifaces, routes)
	if err != nil {
		log.Error("building router", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go r.Run(ctx)
	defer r.Stop()

	go serveMetrics(*metricsAddr, reg, log)

	go pump(ctx, r, extDev, log)
	go pump(ctx, r, intDev, log)

	log.Info("routerdemo running", "external", extDev.Name(), "internal", intDev.Name(), "nat", *nat)
	<-ctx.Done()
}

// pump feeds every frame read off dev into r.HandlePacket until ctx is
// cancelled or the read fails.
func pump(ctx context.Context, r *router.Router, dev *xtap.Device, log *slog.Logger) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := dev.Read(buf)
		if err != nil {
			log.Warn("tap read failed", "iface", dev.Name(), "err", err)
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		r.HandlePacket(dev.Name(), frame)
	}
}

type tapSender struct {
	devices map[string]*xtap.Device
}

func (s *tapSender) SendFrame(ifaceName string, frame []byte) error {
	dev, ok := s.devices[ifaceName]
	if !ok {
		return fmt.Errorf("routerdemo: no tap device for interface %q", ifaceName)
	}
	_, err := dev.Write(frame)
	return err
}

func nextAddr(a netip.Addr) [4]byte {
	b := a.As4()
	b[3]++
	return b
}

func prefixMask(p netip.Prefix) [4]byte {
	bits := p.Bits()
	var mask [4]byte
	for i := 0; i < bits; i++ {
		mask[i/8] |= 1 << (7 - uint(i%8))
	}
	return mask
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server failed", "err", err)
	}
}
