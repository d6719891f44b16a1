package udc

import "fmt"

// register offsets within the 4K aperture

const (
	RegDCCParams        = 0x124 // device controller capability parameters (R)
	RegUSBCmd           = 0x140 // command (RW)
	RegUSBSts           = 0x144 // status (RW1C)
	RegUSBIntr          = 0x148 // interrupt enable (RW)
	RegEndpointListAddr = 0x158 // endpoint queue head list address (RW)
	RegPortSC1          = 0x184 // port status and control (RW)
	RegUSBMode          = 0x1a8 // mode (RW)
	RegEndptSetupStat   = 0x1ac // setup status (RW1C)
	RegEndptPrime       = 0x1b0 // endpoint prime (W)
	RegEndptFlush       = 0x1b4 // endpoint flush (W)
	RegEndptStat        = 0x1b8 // endpoint status (R)
	RegEndptComplete    = 0x1bc // endpoint complete (RW1C)
	RegEndptCtrl0       = 0x1c0 // endpoint control, one word per endpoint (RW)
)

// USBCMD bits

const (
	CmdRun   = 1 << 0
	CmdReset = 1 << 1
)

// USBSTS and USBINTR bits

const (
	StsUI        = 1 << 0  // transfer complete or setup received
	StsUEI       = 1 << 1  // transfer error
	StsPCD       = 1 << 2  // port change detect
	StsSEI       = 1 << 4  // system error
	StsURI       = 1 << 6  // bus reset received
	StsSRI       = 1 << 7  // start of frame
	StsDCSuspend = 1 << 8  // controller suspended
	StsNAKI      = 1 << 16 // NAK
	StsTI0       = 1 << 24 // general purpose timer 0
	StsTI1       = 1 << 25 // general purpose timer 1
)

// PORTSC1 bits

const (
	PortCCS  = 1 << 0
	PortSUSP = 1 << 7
	PortPR   = 1 << 8
	PortHSP  = 1 << 9
	PortLS   = 3 << 10
	PortPSPD = 3 << 26
	PortSTS  = 1 << 29
)

// ENDPTCTRLn bits

const (
	CtrlRXStall  = 1 << 0
	CtrlRXType   = 3 << 2
	CtrlRXEnable = 1 << 7
	CtrlTXStall  = 1 << 16
	CtrlTXType   = 3 << 18
	CtrlTXEnable = 1 << 23
)

// MaxEndpoints is the number of endpoint numbers that ENDPTPRIME,
// ENDPTSTAT and ENDPTCOMPLETE track in each direction.
const MaxEndpoints = 7

const (
	dccParams  = 0x83 // DC, 3 endpoints
	numCtrl    = dccParams & 0x1f
	cmdReset   = 0x80000
	modeReset  = 0x15002
	ctrl0Reset = CtrlRXEnable | CtrlTXEnable

	rxBits = 1<<MaxEndpoints - 1
	txBits = rxBits << 16

	stsRO  = StsSEI | StsNAKI
	stsW1C = ^uint32(stsRO | StsDCSuspend)

	portRO = PortCCS | PortSUSP | PortPR | PortHSP | PortLS | PortPSPD | PortSTS
	ctrlRO = CtrlRXEnable | CtrlTXEnable

	modeDevice = 2 // USBMODE.CM
)

// Model selects a controller variant.
type Model int

const (
	NPCM7xx Model = iota
	NPCM8xx
)

func (m Model) String() string {
	switch m {
	case NPCM7xx:
		return "npcm7xx"
	case NPCM8xx:
		return "npcm8xx"
	default:
		return fmt.Sprintf("Model(%d)", int(m))
	}
}

// ParseModel parses a model name as returned by String.
func ParseModel(s string) (Model, error) {
	switch s {
	case "npcm7xx":
		return NPCM7xx, nil
	case "npcm8xx":
		return NPCM8xx, nil
	default:
		return 0, fmt.Errorf("udc: unknown model %q", s)
	}
}

// PortSCReset returns the model's PORTSC1 reset value.
func (m Model) PortSCReset() uint32 {
	if m == NPCM8xx {
		return 0x1000000
	}

	return 0x9000204
}

type regs struct {
	cmd       uint32
	sts       uint32
	intr      uint32
	listAddr  uint32
	portsc    uint32
	mode      uint32
	setupStat uint32
	stat      uint32
	complete  uint32
	ctrl      [numCtrl]uint32
}

// merge applies a guest write of w to a register holding prev.
// Bits in ro keep their value, bits in w1c are cleared where w is 1,
// and the remaining bits take the written value.
func merge(prev, w, ro, w1c uint32) uint32 {
	return prev&ro | w&^ro&^w1c | prev&w1c&^w
}
