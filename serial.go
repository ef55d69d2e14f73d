package transport

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SerialBits selects the character size of a serial line.
type SerialBits uint8

const (
	SerialBits5 SerialBits = iota
	SerialBits6
	SerialBits7
	SerialBits8
)

// SerialSettings mirrors the termios knobs a port is configured with.
type SerialSettings struct {
	Baud int32

	// control modes
	EnableParity bool
	ParityEven   bool
	TwoStopBits  bool
	FlowControl  bool
	HangUp       bool
	Local        bool
	EnableRead   bool
	BitsPerByte  SerialBits

	// local modes
	Canonical   bool
	Signals     bool
	Echo        bool
	Erasure     bool
	NewLineEcho bool

	// input modes
	SWFlowControl   bool
	SpecialHandling bool

	// output modes
	MapNLToCR    bool
	OutInterpret bool
}

// DefaultSerialSettings is a common 9600-8N1 raw configuration.
func DefaultSerialSettings() SerialSettings {
	return SerialSettings{
		Baud:        9600,
		ParityEven:  true,
		Local:       true,
		EnableRead:  true,
		BitsPerByte: SerialBits8,
	}
}

// SerialPort names a character device plus the settings to apply to it.
type SerialPort struct {
	Path     string
	Settings SerialSettings
}

// baudConstant maps the supported discrete rates to their termios values.
func baudConstant(baud int32) (uint32, bool) {
	switch baud {
	case 0:
		return unix.B0, true
	case 50:
		return unix.B50, true
	case 75:
		return unix.B75, true
	case 110:
		return unix.B110, true
	case 134:
		return unix.B134, true
	case 150:
		return unix.B150, true
	case 200:
		return unix.B200, true
	case 300:
		return unix.B300, true
	case 600:
		return unix.B600, true
	case 1200:
		return unix.B1200, true
	case 1800:
		return unix.B1800, true
	case 2400:
		return unix.B2400, true
	case 4800:
		return unix.B4800, true
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	case 230400:
		return unix.B230400, true
	case 460800:
		return unix.B460800, true
	case 500000:
		return unix.B500000, true
	case 576000:
		return unix.B576000, true
	case 921600:
		return unix.B921600, true
	case 1000000:
		return unix.B1000000, true
	case 1152000:
		return unix.B1152000, true
	case 1500000:
		return unix.B1500000, true
	case 2000000:
		return unix.B2000000, true
	case 2500000:
		return unix.B2500000, true
	case 3000000:
		return unix.B3000000, true
	case 3500000:
		return unix.B3500000, true
	case 4000000:
		return unix.B4000000, true
	}
	return 0, false
}

// ListSystemSerialPorts enumerates the serial character devices the system
// links under /dev/serial/by-path. Each port's settings reflect its current
// parity, stop bits, hardware flow control, canonical and echo flags; every
// other field, the baud rate included, keeps its DefaultSerialSettings
// value. Ports that cannot be opened are skipped.
func ListSystemSerialPorts() []SerialPort {
	const byPath = "/dev/serial/by-path"

	entries, err := os.ReadDir(byPath)
	if err != nil {
		return nil
	}

	var ports []SerialPort

	for _, entry := range entries {
		target, err := os.Readlink(filepath.Join(byPath, entry.Name()))
		if err != nil {
			continue
		}

		path := filepath.Join("/dev", filepath.Base(target))

		settings, ok := portSettings(path)
		if !ok {
			continue
		}

		ports = append(ports, SerialPort{Path: path, Settings: settings})
	}

	return ports
}

func portSettings(path string) (SerialSettings, bool) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return SerialSettings{}, false
	}
	defer unix.Close(fd)

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return SerialSettings{}, false
	}

	settings := DefaultSerialSettings()
	settings.EnableParity = tio.Cflag&unix.PARENB != 0
	settings.ParityEven = tio.Cflag&unix.PARODD == 0
	settings.TwoStopBits = tio.Cflag&unix.CSTOPB != 0
	settings.FlowControl = tio.Cflag&unix.CRTSCTS != 0
	settings.Canonical = tio.Lflag&unix.ICANON != 0
	settings.Echo = tio.Lflag&unix.ECHO != 0

	return settings, true
}

// Serial is an I/O device over a character device path configured through
// termios.
type Serial struct {
	IODevice

	connected bool
}

func NewSerial() *Serial {
	s := &Serial{}
	s.initIO(s, "Serial")
	return s
}

func (s *Serial) IsConnected() bool { return s.connected }

// Open configures and attaches the port. The baud rate must be one of the
// supported discrete values.
func (s *Serial) Open(port SerialPort) Status {
	s.Disconnect()

	baud, ok := baudConstant(port.Settings.Baud)
	if !ok {
		s.setKindError(ErrCodeInvalidArgument, "unsupported baud rate")
		return NOK
	}

	fd, err := unix.Open(port.Path, unix.O_RDWR, 0)
	if err != nil {
		s.setSysError(err, "unable to open serial port")
		return NOK
	}

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		s.setSysError(err, "unable to get serial settings")
		return NOK
	}

	applySerialSettings(tio, port.Settings, baud)

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		unix.Close(fd)
		s.setSysError(err, "unable to set serial settings")
		return NOK
	}

	s.registerNewHandle(fd)
	s.connected = true

	return OK
}

func (s *Serial) Disconnect() {
	s.destroyHandle()
	s.connected = false
}

func applySerialSettings(tio *unix.Termios, settings SerialSettings, baud uint32) {
	setFlag := func(flag *uint32, mask uint32, enable bool) {
		if enable {
			*flag |= mask
		} else {
			*flag &^= mask
		}
	}

	// control modes
	setFlag(&tio.Cflag, unix.PARENB, settings.EnableParity)
	if settings.EnableParity {
		setFlag(&tio.Cflag, unix.PARODD, !settings.ParityEven)
	}
	setFlag(&tio.Cflag, unix.CSTOPB, settings.TwoStopBits)
	setFlag(&tio.Cflag, unix.CRTSCTS, settings.FlowControl)
	setFlag(&tio.Cflag, unix.HUPCL, settings.HangUp)
	setFlag(&tio.Cflag, unix.CLOCAL, settings.Local)
	setFlag(&tio.Cflag, unix.CREAD, settings.EnableRead)

	tio.Cflag &^= unix.CSIZE
	switch settings.BitsPerByte {
	case SerialBits5:
		tio.Cflag |= unix.CS5
	case SerialBits6:
		tio.Cflag |= unix.CS6
	case SerialBits7:
		tio.Cflag |= unix.CS7
	default:
		tio.Cflag |= unix.CS8
	}

	// local modes
	setFlag(&tio.Lflag, unix.ICANON, settings.Canonical)
	setFlag(&tio.Lflag, unix.ISIG, settings.Signals)
	setFlag(&tio.Lflag, unix.ECHO, settings.Echo)
	setFlag(&tio.Lflag, unix.ECHOE, settings.Erasure)
	setFlag(&tio.Lflag, unix.ECHONL, settings.NewLineEcho)

	// input modes
	setFlag(&tio.Iflag, unix.IXON|unix.IXOFF|unix.IXANY, settings.SWFlowControl)
	setFlag(&tio.Iflag,
		unix.IGNBRK|unix.BRKINT|unix.PARMRK|unix.ISTRIP|unix.INLCR|unix.IGNCR|unix.ICRNL,
		settings.SpecialHandling)

	// output modes
	setFlag(&tio.Oflag, unix.OPOST, settings.OutInterpret)
	setFlag(&tio.Oflag, unix.ONLCR, settings.MapNLToCR)

	tio.Cflag &^= unix.CBAUD
	tio.Cflag |= baud
	tio.Ispeed = baud
	tio.Ospeed = baud
}
