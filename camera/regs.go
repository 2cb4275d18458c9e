package camera

// ArduCAM CPLD and FIFO registers, accessed over SPI.
const (
	regCPLD       byte = 0x07
	cpldResetHold byte = 0x80
	cpldResetRun  byte = 0x00

	regTest        byte = 0x00
	regFIFOControl byte = 0x04
	fifoClear      byte = 0x01
	fifoStart      byte = 0x02

	cmdBurstRead byte = 0x3C

	regTrigger  byte = 0x41
	captureDone byte = 0x08

	regFIFOSize1 byte = 0x42
	regFIFOSize2 byte = 0x43
	regFIFOSize3 byte = 0x44

	spiWrite byte = 0x80
)

// OV2640 sensor registers, accessed over I2C.
const (
	DefaultSensorAddress byte = 0x60

	regBankSelect byte = 0xFF
	bankSensor    byte = 0x01
	regCOM7       byte = 0x12
	com7Reset     byte = 0x80
	regCOM10      byte = 0x15
	regChipIDHigh byte = 0x0A
	regChipIDLow  byte = 0x0B
	regTestI2C    byte = 0x3B

	sensorVID byte = 0x26
)

const (
	minCaptureLength uint32 = 1
	maxCaptureLength uint32 = 0x5FFFE
	fifoLengthMask   uint32 = 0x7FFFFF

	capturePolls = 10
)

// Reg is one register write of a sensor configuration table.
type Reg struct {
	Addr byte
	Val  byte
}

// every table ends with this pair
var tableEnd = Reg{0xFF, 0xFF}

var jpegInit = []Reg{
	{0xff, 0x00}, {0x2c, 0xff}, {0x2e, 0xdf}, {0xff, 0x01}, {0x3c, 0x32},
	{0x11, 0x00}, {0x09, 0x02}, {0x04, 0x28}, {0x13, 0xe5}, {0x14, 0x48},
	{0x2c, 0x0c}, {0x33, 0x78}, {0x3a, 0x33}, {0x3b, 0xfb}, {0x3e, 0x00},
	{0x43, 0x11}, {0x16, 0x10}, {0x39, 0x92}, {0x35, 0xda}, {0x22, 0x1a},
	{0x37, 0xc3}, {0x23, 0x00}, {0x34, 0xc0}, {0x36, 0x1a}, {0x06, 0x88},
	{0x07, 0xc0}, {0x0d, 0x87}, {0x0e, 0x41}, {0x4c, 0x00}, {0x48, 0x00},
	{0x5b, 0x00}, {0x42, 0x03}, {0x4a, 0x81}, {0x21, 0x99}, {0x24, 0x40},
	{0x25, 0x38}, {0x26, 0x82}, {0x5c, 0x00}, {0x63, 0x00}, {0x61, 0x70},
	{0x62, 0x80}, {0x7c, 0x05}, {0x20, 0x80}, {0x28, 0x30}, {0x6c, 0x00},
	{0x6d, 0x80}, {0x6e, 0x00}, {0x70, 0x02}, {0x71, 0x94}, {0x73, 0xc1},
	{0x12, 0x40}, {0x17, 0x11}, {0x18, 0x43}, {0x19, 0x00}, {0x1a, 0x4b},
	{0x32, 0x09}, {0x37, 0xc0}, {0x4f, 0x60}, {0x50, 0xa8}, {0x6d, 0x00},
	{0x3d, 0x38}, {0x46, 0x3f}, {0x4f, 0x60}, {0x0c, 0x3c}, {0xff, 0x00},
	{0xe5, 0x7f}, {0xf9, 0xc0}, {0x41, 0x24}, {0xe0, 0x14}, {0x76, 0xff},
	{0x33, 0xa0}, {0x42, 0x20}, {0x43, 0x18}, {0x4c, 0x00}, {0x87, 0xd5},
	{0x88, 0x3f}, {0xd7, 0x03}, {0xd9, 0x10}, {0xd3, 0x82}, {0xc8, 0x08},
	{0xc9, 0x80}, {0x7c, 0x00}, {0x7d, 0x00}, {0x7c, 0x03}, {0x7d, 0x48},
	{0x7d, 0x48}, {0x7c, 0x08}, {0x7d, 0x20}, {0x7d, 0x10}, {0x7d, 0x0e},
	{0x90, 0x00}, {0x91, 0x0e}, {0x91, 0x1a}, {0x91, 0x31}, {0x91, 0x5a},
	{0x91, 0x69}, {0x91, 0x75}, {0x91, 0x7e}, {0x91, 0x88}, {0x91, 0x8f},
	{0x91, 0x96}, {0x91, 0xa3}, {0x91, 0xaf}, {0x91, 0xc4}, {0x91, 0xd7},
	{0x91, 0xe8}, {0x91, 0x20}, {0x92, 0x00}, {0x93, 0x06}, {0x93, 0xe3},
	{0x93, 0x05}, {0x93, 0x05}, {0x93, 0x00}, {0x93, 0x04}, {0x93, 0x00},
	{0x93, 0x00}, {0x93, 0x00}, {0x93, 0x00}, {0x93, 0x00}, {0x93, 0x00},
	{0x93, 0x00}, {0x96, 0x00}, {0x97, 0x08}, {0x97, 0x19}, {0x97, 0x02},
	{0x97, 0x0c}, {0x97, 0x24}, {0x97, 0x30}, {0x97, 0x28}, {0x97, 0x26},
	{0x97, 0x02}, {0x97, 0x98}, {0x97, 0x80}, {0x97, 0x00}, {0x97, 0x00},
	{0xc3, 0xed}, {0xa4, 0x00}, {0xa8, 0x00}, {0xc5, 0x11}, {0xc6, 0x51},
	{0xbf, 0x80}, {0xc7, 0x10}, {0xb6, 0x66}, {0xb8, 0xa5}, {0xb7, 0x64},
	{0xb9, 0x7c}, {0xb3, 0xaf}, {0xb4, 0x97}, {0xb5, 0xff}, {0xb0, 0xc5},
	{0xb1, 0x94}, {0xb2, 0x0f}, {0xc4, 0x5c}, {0xc0, 0x64}, {0xc1, 0x4b},
	{0x8c, 0x00}, {0x86, 0x3d}, {0x50, 0x00}, {0x51, 0xc8}, {0x52, 0x96},
	{0x53, 0x00}, {0x54, 0x00}, {0x55, 0x00}, {0x5a, 0xc8}, {0x5b, 0x96},
	{0x5c, 0x00}, {0xd3, 0x00}, {0xc3, 0xed}, {0x7f, 0x00}, {0xda, 0x00},
	{0xe5, 0x1f}, {0xe1, 0x67}, {0xe0, 0x00}, {0xdd, 0x7f}, {0x05, 0x00},
	{0x12, 0x40}, {0xd3, 0x04}, {0xc0, 0x16}, {0xc1, 0x12}, {0x8c, 0x00},
	{0x86, 0x3d}, {0x50, 0x00}, {0x51, 0x2c}, {0x52, 0x24}, {0x53, 0x00},
	{0x54, 0x00}, {0x55, 0x00}, {0x5a, 0x2c}, {0x5b, 0x24}, {0x5c, 0x00},
	tableEnd,
}

var yuv422 = []Reg{
	{0xff, 0x00}, {0x05, 0x00}, {0xda, 0x10}, {0xd7, 0x03}, {0xdf, 0x00},
	{0x33, 0x80}, {0x3c, 0x40}, {0xe1, 0x77}, {0x00, 0x00},
	tableEnd,
}

var jpeg = []Reg{
	{0xe0, 0x14}, {0xe1, 0x77}, {0xe5, 0x1f}, {0xd7, 0x03}, {0xda, 0x10},
	{0xe0, 0x00}, {0xff, 0x01}, {0x04, 0x08},
	tableEnd,
}

// resolutionTable builds the DSP output size table of a JPEG resolution.
// Registers 0x5A to 0x5C hold the output width and height divided by 4.
func resolutionTable(w, h int, clk byte) []Reg {
	zw, zh := w/4, h/4
	return []Reg{
		{0xff, 0x01}, {0x12, 0x40}, {0x17, 0x11}, {0x18, 0x43}, {0x19, 0x00},
		{0x1a, 0x25}, {0x32, 0x89}, {0x37, 0xc0}, {0x4f, 0xca}, {0x50, 0xa8},
		{0x6d, 0x00}, {0x3d, 0x38}, {0xff, 0x00}, {0xe0, 0x04}, {0xc0, 0x64},
		{0xc1, 0x4b}, {0x8c, 0x00}, {0x86, 0x3d}, {0x50, clk}, {0x51, 0xc8},
		{0x52, 0x96}, {0x53, 0x00}, {0x54, 0x00}, {0x55, 0x00},
		{0x5a, byte(zw)}, {0x5b, byte(zh)},
		{0x5c, byte(zw>>8&0x03) | byte(zh>>8&0x01)<<2},
		{0xe0, 0x00},
		tableEnd,
	}
}

var resolutionTables = map[Resolution][]Reg{
	Res160x120:   resolutionTable(160, 120, 0x92),
	Res176x144:   resolutionTable(176, 144, 0x92),
	Res320x240:   resolutionTable(320, 240, 0x89),
	Res352x288:   resolutionTable(352, 288, 0x89),
	Res640x480:   resolutionTable(640, 480, 0x80),
	Res800x600:   resolutionTable(800, 600, 0x80),
	Res1024x768:  resolutionTable(1024, 768, 0x00),
	Res1280x1024: resolutionTable(1280, 1024, 0x00),
	Res1600x1200: resolutionTable(1600, 1200, 0x00),
}

// DecodeOutputSize returns the JPEG output size programmed in the DSP
// output size registers (0x5A, 0x5B, 0x5C).
func DecodeOutputSize(zmow, zmoh, zmhh byte) (w, h int) {
	w = (int(zmow) | int(zmhh&0x03)<<8) * 4
	h = (int(zmoh) | int(zmhh>>2&0x01)<<8) * 4
	return w, h
}
