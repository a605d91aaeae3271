package notify

import (
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// printer renders amounts with Peruvian number conventions.
var printer = message.NewPrinter(language.MustParse("es-PE"))

// ReminderInput carries the fields the reminder template interpolates.
type ReminderInput struct {
	Name          string
	InvoiceNumber string
	Amount        float64
	DueDate       time.Time
}

// ReminderMessage renders the overdue payment reminder.
func ReminderMessage(in ReminderInput) string {
	return printer.Sprintf(
		"Hola %s, le recordamos que su recibo %s por S/ %.2f venció el %s. "+
			"Regularice su pago para evitar el corte del servicio.",
		in.Name, in.InvoiceNumber, in.Amount, in.DueDate.Format("02/01/2006"))
}
