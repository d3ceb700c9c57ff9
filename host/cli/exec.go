package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"periph.io/x/conn/v3/i2c"

	"pcapwm/driver"
)

// ErrUnknownVerb is returned by Exec for an unrecognized command
var ErrUnknownVerb = errors.New("unknown command")

// Exec runs one command line and prints its result
func (d *Dispatcher) Exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	verb, args := strings.ToLower(fields[0]), fields[1:]

	d.mu.Lock()
	out := d.out
	d.mu.Unlock()

	switch verb {
	case "start":
		return d.execStart(out, args)
	case "stop":
		return d.Stop()
	case "test":
		return d.Test()
	case "reset":
		return d.Reset()
	case "info":
		info, err := d.Info()
		if err != nil {
			return err
		}
		printInfo(out, info)
		return nil
	case "status":
		st, err := d.Status()
		if err != nil {
			return err
		}
		printStatus(out, st)
		return nil
	case "mixer":
		if len(args) != 1 {
			return errors.New("usage: mixer <file>|reset")
		}
		if args[0] == "reset" {
			return d.ResetMixer()
		}
		return d.LoadMixer(args[0])
	case "mode":
		if len(args) != 1 {
			return errors.New("usage: mode off|on|test")
		}
		m, err := driver.ParseMode(args[0])
		if err != nil {
			return err
		}
		return d.Mode(m)
	case "help", "?":
		PrintHelp(out)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownVerb, verb)
}

func (d *Dispatcher) execStart(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	busNum := fs.Int("bus", -1, "I2C bus number")
	var addr i2c.Addr
	fs.Var(&addr, "addr", "7-bit chip address")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if addr > 0x7F {
		return fmt.Errorf("start: address %s is not a 7-bit address", addr)
	}

	res, err := d.Start(StartOptions{Bus: *busNum, Address: uint16(addr)})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "started %s on bus %d address 0x%02x at %.1f Hz (prescale %d)\n",
		res.Info.ID, res.Bus, res.Address, res.Info.Frequency, res.Prescale)
	return nil
}

// PrintHelp lists the verbs
func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  start [-bus N] [-addr A]  open the bus, calibrate and start the output loop")
	fmt.Fprintln(w, "  stop                      stop the loop and release the bus")
	fmt.Fprintln(w, "  test                      drive the center pulse on channel 0")
	fmt.Fprintln(w, "  reset                     clear MODE1 on the chip")
	fmt.Fprintln(w, "  info                      show the running instance")
	fmt.Fprintln(w, "  status                    show mixer, controls and output ticks")
	fmt.Fprintln(w, "  mixer <file>|reset        load a mixer definition or remove all mixers")
	fmt.Fprintln(w, "  mode off|on|test          switch the loop mode")
	fmt.Fprintln(w, "  quit                      exit")
}

func printInfo(w io.Writer, info Info) {
	fmt.Fprintf(w, "id: %s\n", info.ID)
	fmt.Fprintf(w, "running: %v\n", info.Running)
	fmt.Fprintf(w, "mode: %s\n", info.Mode)
	fmt.Fprintf(w, "bus: %d address: 0x%02x\n", info.Bus, info.Address)
	fmt.Fprintf(w, "frequency: %.1f Hz center: %.1f scale: %.1f gated: %v\n",
		info.Frequency, info.Center, info.Scale, info.Gated)
	fmt.Fprintf(w, "comms errors: %d\n", info.CommsErrors)
	if info.ControlAddr != "" {
		fmt.Fprintf(w, "control: udp %s\n", info.ControlAddr)
	}
}

func printStatus(w io.Writer, st driver.Status) {
	if st.MixerLoaded {
		fmt.Fprintf(w, "mixer: %d loaded, groups %04b\n", st.Mixers, st.Required)
	} else {
		fmt.Fprintln(w, "mixer: none")
	}
	a := st.Arming
	fmt.Fprintf(w, "arming: armed=%v prearmed=%v lockdown=%v safe=%v\n",
		a.Armed, a.Prearmed, a.Lockdown, st.SafeToDrive)
	for g, controls := range st.Controls {
		if !st.Subscribed.Has(g) {
			continue
		}
		fmt.Fprintf(w, "controls %d:", g)
		for _, v := range controls {
			fmt.Fprintf(w, " %6.3f", v)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprint(w, "rates:")
	for _, r := range st.Rates {
		fmt.Fprintf(w, " %d", r)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "comms errors: %d\n", st.CommsErrors)
}
