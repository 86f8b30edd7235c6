// Package generator produces fake fleet identities and plausible sensor
// readings for the simulator.
package generator

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Device is a simulated sensor that publishes directly to the broker.
type Device struct {
	DeviceID string
	Location string `fake:"{city}"`
	Firmware string `fake:"{appversion}"`
}

// Gateway is a simulated BLE gateway relaying beacon readings.
type Gateway struct {
	GatewayID string
	Location  string `fake:"{city}"`
	Nodes     []Node `fake:"skip"`
}

// Node is a BLE beacon seen by a gateway. BeaconName may be blank, which
// the hub answers by naming the node after its MAC.
type Node struct {
	MAC        string `fake:"{macaddress}"`
	BeaconName string `fake:"skip"`
}

// NewDevice returns a device with a fresh id.
func NewDevice() *Device {
	var device Device
	if err := gofakeit.Struct(&device); err != nil {
		return nil
	}
	device.DeviceID = gofakeit.Numerify("ESP32-######")
	return &device
}

// NewGateway returns a gateway with nodes beacons. Roughly one in four
// beacons has no name.
func NewGateway(nodes int) *Gateway {
	var gateway Gateway
	if err := gofakeit.Struct(&gateway); err != nil {
		return nil
	}
	gateway.GatewayID = gofakeit.Numerify("GW-####")

	gateway.Nodes = make([]Node, 0, nodes)
	for range nodes {
		node := Node{MAC: strings.ToUpper(gofakeit.MacAddress())}
		if rand.Float64() >= 0.25 { // #nosec G404 - simulation data
			node.BeaconName = gofakeit.Adjective() + "-" + gofakeit.Animal()
		}
		gateway.Nodes = append(gateway.Nodes, node)
	}
	return &gateway
}

// Reading is one set of environmental values.
type Reading struct {
	Temperature float64
	Humidity    float64
	Pressure    float64
	Battery     float64
}

// ReadingGenerator produces correlated readings for one source.
type ReadingGenerator struct {
	baselineTemp     float64
	baselineHumidity float64
	baselinePressure float64
	noise            float64
	pressureTrend    float64 // weather system movement
	lastPressure     float64
	battery          float64
}

// NewReadingGenerator returns a generator with randomised baselines.
func NewReadingGenerator() *ReadingGenerator {
	return &ReadingGenerator{
		baselineTemp:     20.0 + rand.Float64()*10,         // 20-30°C
		baselineHumidity: 50.0 + rand.Float64()*20,         // 50-70%
		baselinePressure: 1013.0 + (rand.Float64()-0.5)*20, // 1003-1023 hPa
		noise:            rand.Float64() * 2,
		pressureTrend:    (rand.Float64() - 0.5) * 0.5,
		lastPressure:     1013.0,
		battery:          90 + rand.Float64()*10,
	}
}

// Temperature follows a daily cycle peaking mid afternoon.
func (g *ReadingGenerator) Temperature(t time.Time) float64 {
	hour := float64(t.Hour())
	dailyCycle := 5 * math.Sin((hour-6)*math.Pi/12)
	noise := (rand.Float64() - 0.5) * g.noise

	// 5% spikes
	anomaly := 0.0
	if rand.Float64() < 0.05 {
		anomaly = (rand.Float64() - 0.5) * 15
	}

	return g.baselineTemp + dailyCycle + noise + anomaly
}

// Humidity moves against temperature, clamped to 20-95%.
func (g *ReadingGenerator) Humidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())
	dailyCycle := -3 * math.Sin((hour-6)*math.Pi/12)
	tempEffect := -(temperature - g.baselineTemp) * 1.5
	noise := (rand.Float64() - 0.5) * g.noise * 0.5
	weatherPattern := 10 * math.Sin(float64(t.Unix())/(86400*7))

	anomaly := 0.0
	if rand.Float64() < 0.03 {
		anomaly = rand.Float64() * 20 // rain
	}

	humidity := g.baselineHumidity + dailyCycle + tempEffect + noise + weatherPattern + anomaly
	return math.Max(20, math.Min(95, humidity))
}

// Pressure is a trending random walk clamped to 980-1040 hPa, with the
// occasional front.
func (g *ReadingGenerator) Pressure(t time.Time) float64 {
	randomChange := (rand.Float64() - 0.5) * 0.5
	trendChange := g.pressureTrend

	if rand.Float64() < 0.1 {
		g.pressureTrend = -g.pressureTrend + (rand.Float64()-0.5)*0.2
	}

	seasonalPattern := 5 * math.Sin(float64(t.YearDay())*2*math.Pi/365)
	diurnalCycle := 0.5 * math.Sin((float64(t.Hour())-3)*math.Pi/12)

	p := g.lastPressure + randomChange + trendChange + diurnalCycle*0.1
	p = g.baselinePressure + (p-g.baselinePressure)*0.7 + seasonalPattern
	p = math.Max(980, math.Min(1040, p))

	if rand.Float64() < 0.02 {
		front := (rand.Float64() - 0.5) * 10
		p += front
		g.pressureTrend = front * 0.3
	}

	g.lastPressure = p
	return p
}

// Next returns the reading for t. Battery drains a little on every call
// and never drops below 5%.
func (g *ReadingGenerator) Next(t time.Time) Reading {
	temperature := g.Temperature(t)
	humidity := g.Humidity(t, temperature)
	pressure := g.Pressure(t)

	g.battery = math.Max(5, g.battery-rand.Float64()*0.05)

	return Reading{
		Temperature: math.Round(temperature*100) / 100,
		Humidity:    math.Round(humidity*100) / 100,
		Pressure:    math.Round(pressure*100) / 100,
		Battery:     math.Round(g.battery*10) / 10,
	}
}

// RSSI returns a plausible BLE signal strength in dBm.
func RSSI() int {
	return -40 - rand.Intn(55) // #nosec G404 - simulation data
}
