package sensor

import (
	"log/slog"

	"github.com/mklimuk/hwsim/camera"
)

const (
	bankDSP    = 0
	bankSensor = 1

	regBankSelect byte = 0xFF
	regCOM7       byte = 0x12
	com7Reset     byte = 0x80
	regPIDH       byte = 0x0A
	regPIDL       byte = 0x0B
	regMIDH       byte = 0x1C
	regMIDL       byte = 0x1D
	regZMOW       byte = 0x5A
	regZMOH       byte = 0x5B
	regZMHH       byte = 0x5C

	regFIFOControl byte = 0x04
	fifoClear      byte = 0x01
	fifoStart      byte = 0x02
	regTrigger     byte = 0x41
	captureDone    byte = 0x08
	regFIFOSize1   byte = 0x42
	regFIFOSize2   byte = 0x43
	regFIFOSize3   byte = 0x44
	cmdBurstRead   byte = 0x3C
	spiWrite       byte = 0x80
)

// module is the register file and FIFO of the camera module. Only the state
// owner goroutine touches it.
type module struct {
	cfg Config
	log *slog.Logger

	bank  byte
	banks [2][256]byte
	ptr   byte

	cpld [128]byte

	fifo     []byte
	pos      int
	started  bool
	polls    int
	finished bool
	frames   int
}

func newModule(cfg Config, log *slog.Logger) *module {
	m := &module{cfg: cfg, log: log}
	m.resetSensor()
	return m
}

func (m *module) resetSensor() {
	m.banks = [2][256]byte{}
	m.banks[bankSensor][regPIDH] = 0x26
	m.banks[bankSensor][regPIDL] = m.cfg.PID
	m.banks[bankSensor][regMIDH] = 0x7F
	m.banks[bankSensor][regMIDL] = 0xA2
}

// sensorWrite handles an I2C write: a register pointer followed by values
// stored at consecutive addresses.
func (m *module) sensorWrite(buf []byte) {
	if len(buf) == 0 {
		return
	}
	m.ptr = buf[0]
	for _, val := range buf[1:] {
		m.store(m.ptr, val)
		m.ptr++
	}
}

func (m *module) store(reg, val byte) {
	if reg == regBankSelect {
		m.bank = val & 0x01
		return
	}
	if m.bank == bankSensor && reg == regCOM7 && val&com7Reset != 0 {
		m.log.Debug("sensor reset")
		m.resetSensor()
		m.banks[bankSensor][regCOM7] = val &^ com7Reset
		return
	}
	m.banks[m.bank][reg] = val
}

func (m *module) sensorRead(data []byte) {
	for i := range data {
		if m.ptr == regBankSelect {
			data[i] = m.bank
		} else {
			data[i] = m.banks[m.bank][m.ptr]
		}
		m.ptr++
	}
}

// outputSize is the JPEG size programmed in the DSP bank, 320x240 when
// nothing was programmed.
func (m *module) outputSize() (int, int) {
	dsp := m.banks[bankDSP]
	w, h := camera.DecodeOutputSize(dsp[regZMOW], dsp[regZMOH], dsp[regZMHH])
	if w == 0 || h == 0 {
		return camera.Res320x240.Size()
	}
	return w, h
}

func (m *module) cpldWrite(reg, val byte) {
	m.cpld[reg&0x7F] = val
	if reg != regFIFOControl {
		return
	}
	if val&fifoClear != 0 {
		m.clearFIFO()
	}
	if val&fifoStart != 0 {
		m.startCapture()
	}
}

func (m *module) clearFIFO() {
	m.fifo = nil
	m.pos = 0
	m.started = false
	m.finished = false
	m.polls = 0
}

func (m *module) startCapture() {
	m.clearFIFO()
	m.started = true
	if m.cfg.NeverDone {
		return
	}
	switch m.cfg.Frame {
	case FrameRamp:
		m.fifo = rampFrame(m.cfg.RampSize)
	default:
		w, h := m.outputSize()
		frame, err := testCard(w, h, m.frames+1)
		if err != nil {
			m.log.Error("capture failed", "error", err)
			m.started = false
			return
		}
		m.fifo = frame
	}
	m.frames++
	m.log.Debug("capture started", "frame", m.frames, "length", len(m.fifo))
}

func (m *module) status() byte {
	if !m.started || m.cfg.NeverDone || len(m.fifo) == 0 {
		return 0
	}
	if m.polls < m.cfg.DonePolls {
		m.polls++
		return 0
	}
	m.finished = true
	return captureDone
}

func (m *module) length() int {
	if !m.finished {
		return 0
	}
	return len(m.fifo)
}

func (m *module) cpldRead(reg byte, data []byte) {
	if len(data) == 0 {
		return
	}
	switch reg &^ spiWrite {
	case regTrigger:
		data[0] = m.status()
	case regFIFOSize1:
		data[0] = byte(m.length())
	case regFIFOSize2:
		data[0] = byte(m.length() >> 8)
	case regFIFOSize3:
		data[0] = byte(m.length() >> 16 & 0x7F)
	default:
		data[0] = m.cpld[reg&0x7F]
	}
}

func (m *module) burstStart() {
	m.pos = 0
}

// burstRead streams the next len(data) FIFO bytes. Reads past the end
// return zeros.
func (m *module) burstRead(data []byte) {
	n := 0
	if m.pos < len(m.fifo) {
		n = copy(data, m.fifo[m.pos:])
	}
	clear(data[n:])
	m.pos += len(data)
}
