package config

import (
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

type WebRTCConfig struct {
	Configuration webrtc.Configuration
	SettingEngine webrtc.SettingEngine
	Outbound      DirectionConfig
}

type RTPHeaderExtensionConfig struct {
	Audio []string
	Video []string
}

type RTCPFeedbackConfig struct {
	Audio []webrtc.RTCPFeedback
	Video []webrtc.RTCPFeedback
}

type DirectionConfig struct {
	RTPHeaderExtension RTPHeaderExtensionConfig
	RTCPFeedback       RTCPFeedbackConfig
}

// NewWebRTCConfig builds the pion configuration shared by every peer link of a participant
func NewWebRTCConfig(conf *Config) (*WebRTCConfig, error) {
	c := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	if len(conf.RTC.ICEServers) > 0 {
		c.ICEServers = []webrtc.ICEServer{{URLs: conf.RTC.ICEServers}}
	}

	s := webrtc.SettingEngine{}

	if conf.RTC.ICEPortRangeStart > 0 && conf.RTC.ICEPortRangeEnd > 0 {
		if conf.RTC.ICEPortRangeEnd < conf.RTC.ICEPortRangeStart {
			return nil, fmt.Errorf("invalid ice port range %d-%d", conf.RTC.ICEPortRangeStart, conf.RTC.ICEPortRangeEnd)
		}
		if err := s.SetEphemeralUDPPortRange(uint16(conf.RTC.ICEPortRangeStart), uint16(conf.RTC.ICEPortRangeEnd)); err != nil {
			return nil, err
		}
	}
	// Use only UDP
	s.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})

	outbound := DirectionConfig{
		RTPHeaderExtension: RTPHeaderExtensionConfig{
			Audio: []string{
				sdp.SDESMidURI,
				sdp.AudioLevelURI,
			},
			Video: []string{
				sdp.SDESMidURI,
				sdp.TransportCCURI,
			},
		},
		RTCPFeedback: RTCPFeedbackConfig{
			Video: []webrtc.RTCPFeedback{
				{Type: webrtc.TypeRTCPFBGoogREMB},
				{Type: webrtc.TypeRTCPFBTransportCC},
				{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
				{Type: webrtc.TypeRTCPFBNACK},
				{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
			},
		},
	}

	return &WebRTCConfig{
		Configuration: c,
		SettingEngine: s,
		Outbound:      outbound,
	}, nil
}
