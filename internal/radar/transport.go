package radar

import (
	"errors"
	"fmt"

	"bleradar/internal/advdata"
)

var (
	// ErrCanceled is returned by Conn.Receive after Cancel.
	ErrCanceled = errors.New("radar: receive canceled")
	// ErrTransportLost marks receive errors that require reopening the
	// transport. Any other receive error is treated as transient.
	ErrTransportLost = errors.New("radar: transport lost")
)

// Dialer opens the capture hardware.
type Dialer interface {
	Open(port string, baud int) (Conn, error)
}

// Conn is one open capture session.
//
// Receive blocks until the next message. It returns (nil, nil) for messages
// that are not advertisements. Cancel must be safe to call from another
// goroutine while Receive is blocked and must make it return promptly.
type Conn interface {
	ProbeIdentity() (string, error)
	Configure(cfg ScanConfig) error
	Receive() (*Advertisement, error)
	Cancel()
	Close() error
}

type ScanMode string

const (
	// ModeConnFollow captures advertisements on one primary channel and
	// follows auxiliary pointers for extended advertising.
	ModeConnFollow ScanMode = "conn_follow"
	// ModePassiveScan captures advertisements without following
	// connections.
	ModePassiveScan ScanMode = "passive_scan"
)

type ScanConfig struct {
	Mode        ScanMode
	Channel     int
	ExtendedAdv bool
	// RSSIMin is the firmware-side RSSI floor in dBm.
	RSSIMin int
}

func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Mode:        ModeConnFollow,
		Channel:     37,
		ExtendedAdv: true,
		RSSIMin:     -100,
	}
}

// PDUType is the advertising channel PDU type from the PDU header.
type PDUType uint8

const (
	PDUAdvInd        PDUType = 0x0
	PDUAdvDirectInd  PDUType = 0x1
	PDUAdvNonconnInd PDUType = 0x2
	PDUScanReq       PDUType = 0x3
	PDUScanRsp       PDUType = 0x4
	PDUConnectInd    PDUType = 0x5
	PDUAdvScanInd    PDUType = 0x6
	PDUAdvExtInd     PDUType = 0x7
)

func (p PDUType) String() string {
	switch p {
	case PDUAdvInd:
		return "ADV_IND"
	case PDUAdvDirectInd:
		return "ADV_DIRECT_IND"
	case PDUAdvNonconnInd:
		return "ADV_NONCONN_IND"
	case PDUScanReq:
		return "SCAN_REQ"
	case PDUScanRsp:
		return "SCAN_RSP"
	case PDUConnectInd:
		return "CONNECT_IND"
	case PDUAdvScanInd:
		return "ADV_SCAN_IND"
	case PDUAdvExtInd:
		return "ADV_EXT_IND"
	default:
		return fmt.Sprintf("PDU_0x%X", uint8(p))
	}
}

// Advertisement is one received advertising PDU. Addr is in over-the-air
// (little-endian) byte order. Records may be nil, in which case they are
// decoded from AdvData.
type Advertisement struct {
	Addr       []byte
	RandomAddr bool
	RSSI       int
	PDUType    PDUType
	Channel    int
	AdvData    []byte
	Records    []advdata.Record
}

// Connectable reports whether the PDU type invites connections.
func (a *Advertisement) Connectable() bool {
	return a.PDUType == PDUAdvInd || a.PDUType == PDUAdvScanInd
}
