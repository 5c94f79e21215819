package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// newAPI builds the shared pion API: default codecs, default
// interceptors, plus a periodic PLI on every receiver so remote video
// recovers from loss without the host asking.
func newAPI(iceServers []string) (*webrtc.API, webrtc.Configuration, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, webrtc.Configuration{}, fmt.Errorf("register codecs: %w", err)
	}

	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, webrtc.Configuration{}, fmt.Errorf("register interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, webrtc.Configuration{}, fmt.Errorf("pli interceptor: %w", err)
	}
	reg.Add(pli)

	cfg := webrtc.Configuration{}
	for _, u := range iceServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(reg)), cfg, nil
}
