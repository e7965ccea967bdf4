package triage

// User-facing texts. The service talks to Italian patients.
const (
	GeneralPractitioner = "Medico di Medicina Generale"

	fallbackRationale = "Si è verificato un problema nell'analisi automatica dei sintomi descritti. " +
		"Per una valutazione appropriata ti consiglio di consultare il tuo Medico di Medicina Generale, " +
		"che potrà effettuare un inquadramento completo e, se necessario, indirizzarti verso lo specialista più adatto."

	noMatchRationale = "Non ho trovato corrispondenze specifiche nel database. " +
		"Ti consiglio di iniziare con un consulto generale per un primo inquadramento."

	insufficientInputRationale = "Per indirizzarti allo specialista giusto ho bisogno di informazioni più dettagliate: " +
		"quali sono i sintomi specifici, da quanto tempo sono presenti e dove si localizzano."

	recommendationTemplate = "**Raccomandazione Specialistica**\n\n" +
		"**Specialista consigliato**: %s\n\n" +
		"**Motivazione clinica**:\n%s\n\n" +
		"---\n" + Disclaimer

	Disclaimer = "*Questa è una raccomandazione orientativa basata sui sintomi descritti. " +
		"Per una valutazione completa, consulta sempre un medico.*"

	followUpTemplate = "**Raccolta Informazioni**\n\n%s"

	DefaultFollowUp = "Puoi fornirmi qualche informazione in più sui tuoi sintomi?"

	// AssessorFallbackQuestion asks for the primary symptom when the assessor is unavailable.
	AssessorFallbackQuestion = "Per aiutarti al meglio, puoi descrivermi che tipo di disturbo o fastidio stai avvertendo?"

	OnboardingMessage = "Per aiutarti a trovare lo specialista giusto, puoi descrivermi:\n" +
		"• Quali sintomi stai avvertendo\n" +
		"• Da quanto tempo li hai\n" +
		"• Se c'è stato un trauma (caduta/incidente)\n\n" +
		"Sarò felice di indirizzarti verso la specializzazione più appropriata!"

	EmergencyMessage = "SITUAZIONE DI EMERGENZA RILEVATA\n\n" +
		"**Chiama immediatamente il 118** o recati al Pronto Soccorso più vicino.\n\n" +
		"Per sintomi gravi che richiedono intervento immediato, non utilizzare assistenti virtuali " +
		"ma contatta direttamente i servizi di emergenza.\n\n" +
		"**Numero emergenze: 118**"

	OutOfScopeMessage = "Mi dispiace, non posso aiutarti con questa richiesta.\n" +
		"Il mio unico scopo è quello di effettuare un triage orientativo verso lo specialista medico " +
		"più appropriato in base ai sintomi descritti."

	GenericMessage = "Ciao! Sono il tuo assistente sanitario virtuale.\n\n" +
		"Per aiutarti al meglio, descrivi i sintomi che stai avvertendo e ti indirizzerò " +
		"verso lo specialista più appropriato."

	// TechnicalErrorMessage is the only text shown when the conversation itself cannot be loaded or saved.
	TechnicalErrorMessage = "Mi dispiace, si è verificato un errore tecnico. Riprova tra qualche momento."

	ResetMessage = "Conversazione azzerata. Puoi descrivermi i tuoi sintomi quando vuoi."

	// emptyMessagePlaceholder stands in for a blank message during classification only.
	emptyMessagePlaceholder = "(messaggio vuoto)"
)
